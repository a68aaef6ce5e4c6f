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

// Package reconcile provides shared scaffolding for the operator's
// controllers: traced resource fetching, span lifecycle management, and
// uniform not-found handling.
package reconcile

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Helper wraps the boilerplate shared by every controller in the operator.
// T is the concrete resource type being reconciled.
type Helper[T client.Object] struct {
	Client client.Client

	// TracerName identifies the instrumentation scope, e.g.
	// "tessera-operator/controllers".
	TracerName string

	// Kind is the lowercase resource kind used for span and attribute names.
	Kind string
}

// Pass holds per-reconcile state produced by StartReconcile. Callers must
// invoke Complete exactly once, typically via defer.
type Pass[T client.Object] struct {
	Ctx      context.Context
	Span     trace.Span
	Resource T
	Log      logr.Logger
}

// StartReconcile opens a span, fetches the resource, and records standard
// attributes. A (nil, nil) return means the resource is gone and the
// reconcile should end quietly.
func (h *Helper[T]) StartReconcile(ctx context.Context, req ctrl.Request, resource T) (*Pass[T], error) {
	tracer := otel.Tracer(h.TracerName)
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s.reconcile", h.Kind))

	span.SetAttributes(
		attribute.String(fmt.Sprintf("%s.name", h.Kind), req.Name),
		attribute.String(fmt.Sprintf("%s.namespace", h.Kind), req.Namespace),
	)

	logger := log.FromContext(ctx)

	if err := h.Client.Get(ctx, req.NamespacedName, resource); err != nil {
		if errors.IsNotFound(err) {
			span.SetStatus(codes.Ok, "resource not found (deleted)")
			span.End()
			return nil, nil
		}
		logger.Error(err, fmt.Sprintf("failed to get %s", h.Kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("failed to get %s", h.Kind))
		span.End()
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64(fmt.Sprintf("%s.generation", h.Kind), resource.GetGeneration()),
	)

	return &Pass[T]{
		Ctx:      ctx,
		Span:     span,
		Resource: resource,
		Log:      logger,
	}, nil
}

// Complete closes the reconcile span, recording err if non-nil.
func (p *Pass[T]) Complete(err error) {
	if p.Span == nil {
		return
	}
	if err != nil {
		p.Span.RecordError(err)
		p.Span.SetStatus(codes.Error, err.Error())
	} else {
		p.Span.SetStatus(codes.Ok, "reconcile complete")
	}
	p.Span.End()
}
