/*
Copyright 2025 Tessera Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package telemetry bootstraps OpenTelemetry tracing for the operator.
package telemetry

import (
	"context"
	"os"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer wires the global TracerProvider to an OTLP gRPC collector when
// OTEL_EXPORTER_OTLP_ENDPOINT is set. Without the endpoint it returns
// (nil, nil) and tracing stays a no-op; the operator never requires a
// collector to run.
func InitTracer(ctx context.Context) (trace.TracerProvider, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(
		initCtx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	version := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		version = info.Main.Version
		if version == "" || version == "(devel)" {
			version = "dev"
		}
	}

	resourceOpts := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName("tessera-operator"),
			semconv.ServiceVersion(version),
		),
	}
	if namespace := os.Getenv("POD_NAMESPACE"); namespace != "" {
		resourceOpts = append(resourceOpts, resource.WithAttributes(
			semconv.K8SNamespaceName(namespace),
		))
	}

	res, err := resource.New(ctx, resourceOpts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}

// Shutdown flushes and stops the TracerProvider.
func Shutdown(ctx context.Context, tp trace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	if sdkTP, ok := tp.(*sdktrace.TracerProvider); ok {
		return sdkTP.Shutdown(ctx)
	}
	return nil
}
