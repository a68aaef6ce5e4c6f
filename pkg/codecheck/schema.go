package codecheck

import (
	"fmt"
	"regexp"
	"strings"
)

// agentStructure is the parsed shape of a candidate. The runtime loads the
// same shape: an agent declaration with a description, named tasks carrying
// typed inputs/outputs, a single main entry block, and an optional
// constraints block.
type agentStructure struct {
	Name        string
	Description string
	Tasks       map[string]*taskDef
	Main        *mainBlock
	Constraints bool
}

type taskDef struct {
	Name         string
	Instructions string
	Inputs       map[string]string
	Outputs      map[string]string
	HasBody      bool
	Line         int
}

type mainBlock struct {
	Calls []taskCall
	Line  int
}

type taskCall struct {
	Task string
	Line int
}

var (
	agentDeclRe   = regexp.MustCompile(`^agent\s+"[^"]+"\s+do\b`)
	agentNameRe   = regexp.MustCompile(`agent\s+"([^"]+)"`)
	descriptionRe = regexp.MustCompile(`description\s+"([^"]*)"`)
	taskNameRe    = regexp.MustCompile(`task\s+:(\w+)`)
	instructRe    = regexp.MustCompile(`instructions:\s*["']([^"']*)["']`)
	inputsRe      = regexp.MustCompile(`inputs:\s*\{([^}]*)\}`)
	outputsRe     = regexp.MustCompile(`outputs:\s*\{([^}]*)\}`)
	taskCallRe    = regexp.MustCompile(`run_task\(\s*:(\w+)`)
)

// checkSchema runs the structural pass. Syntax problems (unbalanced blocks)
// and schema problems (missing declarations, bad types, undefined task
// references) are all collected; the pass never stops at the first finding.
func checkSchema(code string) []Violation {
	var violations []Violation

	violations = append(violations, checkBlockBalance(code)...)

	agent := parseAgent(code)

	if agent.Name == "" {
		violations = append(violations, Violation{
			Kind:    KindSchemaViolation,
			Line:    1,
			Message: `missing agent declaration (agent "name" do ... end)`,
		})
	}
	if agent.Description == "" {
		violations = append(violations, Violation{
			Kind:    KindSchemaViolation,
			Line:    1,
			Message: "missing required description declaration",
		})
	}
	if len(agent.Tasks) == 0 {
		violations = append(violations, Violation{
			Kind:    KindSchemaViolation,
			Line:    1,
			Message: "agent must declare at least one task",
		})
	}

	for _, task := range agent.Tasks {
		violations = append(violations, checkTask(task)...)
	}

	if agent.Main == nil {
		violations = append(violations, Violation{
			Kind:    KindSchemaViolation,
			Line:    1,
			Message: "missing main block: the agent has no entry routine",
		})
	} else {
		for _, call := range agent.Main.Calls {
			if _, ok := agent.Tasks[call.Task]; !ok {
				violations = append(violations, Violation{
					Kind:    KindSchemaViolation,
					Line:    call.Line,
					Message: fmt.Sprintf("main block calls undefined task :%s", call.Task),
				})
			}
		}
	}

	return violations
}

// checkBlockBalance verifies do/end pairing across the whole candidate.
func checkBlockBalance(code string) []Violation {
	var violations []Violation
	depth := 0
	lastOpen := 1

	for i, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if opensBlock(trimmed) {
			depth++
			lastOpen = i + 1
		}
		if trimmed == "end" || strings.HasPrefix(trimmed, "end ") {
			depth--
			if depth < 0 {
				violations = append(violations, Violation{
					Kind:    KindSyntaxError,
					Line:    i + 1,
					Message: "unexpected end without matching block opener",
				})
				depth = 0
			}
		}
	}

	if depth > 0 {
		violations = append(violations, Violation{
			Kind:    KindSyntaxError,
			Line:    lastOpen,
			Message: fmt.Sprintf("%d unterminated block(s): missing end", depth),
		})
	}

	return violations
}

func opensBlock(trimmed string) bool {
	if strings.HasSuffix(trimmed, " do") || trimmed == "do" {
		return true
	}
	// do |args|, unless the block closes on the same line.
	if strings.Contains(trimmed, " do |") {
		return !strings.HasSuffix(trimmed, " end")
	}
	// Control-flow openers that take their own end.
	for _, kw := range []string{"if ", "unless ", "while ", "until ", "case ", "def "} {
		if strings.HasPrefix(trimmed, kw) {
			return true
		}
	}
	return false
}

func checkTask(task *taskDef) []Violation {
	var violations []Violation

	if task.Instructions == "" && !task.HasBody {
		violations = append(violations, Violation{
			Kind:    KindSchemaViolation,
			Line:    task.Line,
			Message: fmt.Sprintf("task :%s must have instructions or a code body", task.Name),
		})
	}
	if len(task.Inputs) == 0 && len(task.Outputs) == 0 {
		violations = append(violations, Violation{
			Kind:    KindSchemaViolation,
			Line:    task.Line,
			Message: fmt.Sprintf("task :%s declares no inputs or outputs", task.Name),
		})
	}
	for field, typ := range task.Inputs {
		if !validParamType(typ) {
			violations = append(violations, Violation{
				Kind:    KindSchemaViolation,
				Line:    task.Line,
				Message: fmt.Sprintf("task :%s input %q has invalid type %q (valid: string, integer, number, boolean, array, hash, any)", task.Name, field, typ),
			})
		}
	}
	for field, typ := range task.Outputs {
		if !validParamType(typ) {
			violations = append(violations, Violation{
				Kind:    KindSchemaViolation,
				Line:    task.Line,
				Message: fmt.Sprintf("task :%s output %q has invalid type %q (valid: string, integer, number, boolean, array, hash, any)", task.Name, field, typ),
			})
		}
	}

	return violations
}

// parseAgent extracts the declared structure. It is deliberately tolerant:
// structure it cannot recognize simply does not appear, and the schema
// checks above report what is missing.
func parseAgent(code string) *agentStructure {
	agent := &agentStructure{Tasks: make(map[string]*taskDef)}

	if agentDeclRe.MatchString(strings.TrimSpace(code)) || agentNameRe.MatchString(code) {
		if m := agentNameRe.FindStringSubmatch(code); len(m) > 1 {
			agent.Name = m[1]
		}
	}
	if m := descriptionRe.FindStringSubmatch(code); len(m) > 1 {
		agent.Description = m[1]
	}

	lines := strings.Split(code, "\n")
	for _, block := range splitTaskBlocks(lines) {
		if task := parseTaskBlock(block); task != nil {
			agent.Tasks[task.Name] = task
		}
	}

	agent.Main = parseMainBlock(lines)
	agent.Constraints = strings.Contains(code, "constraints do")

	return agent
}

// taskBlock is a run of lines belonging to one task declaration, with the
// 1-based line number of its first line.
type taskBlock struct {
	text  string
	start int
}

// splitTaskBlocks walks the candidate line by line, collecting each task
// declaration together with its attribute lines and optional do/end body.
func splitTaskBlocks(lines []string) []taskBlock {
	var blocks []taskBlock
	var current []string
	start := 0
	inBlock := false
	depth := 0

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, taskBlock{text: strings.Join(current, "\n"), start: start})
		}
		current = nil
		inBlock = false
		depth = 0
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "task :") {
			flush()
			current = []string{line}
			start = i + 1
			inBlock = true
			if strings.Contains(trimmed, " do") {
				depth = 1
			}
			continue
		}

		if !inBlock {
			continue
		}

		// A task without a body ends at the first structural boundary.
		if depth == 0 {
			if trimmed == "" || strings.HasPrefix(trimmed, "main") ||
				strings.HasPrefix(trimmed, "constraints") || trimmed == "end" {
				flush()
				continue
			}
			current = append(current, line)
			continue
		}

		current = append(current, line)
		if strings.Contains(trimmed, " do") || strings.HasSuffix(trimmed, " do") {
			depth++
		}
		if trimmed == "end" || strings.HasPrefix(trimmed, "end ") {
			depth--
			if depth <= 0 {
				flush()
			}
		}
	}
	flush()

	return blocks
}

func parseTaskBlock(block taskBlock) *taskDef {
	m := taskNameRe.FindStringSubmatch(block.text)
	if len(m) < 2 {
		return nil
	}

	task := &taskDef{
		Name:    m[1],
		Inputs:  make(map[string]string),
		Outputs: make(map[string]string),
		HasBody: strings.Contains(block.text, " do |"),
		Line:    block.start,
	}
	if im := instructRe.FindStringSubmatch(block.text); len(im) > 1 {
		task.Instructions = im[1]
	}
	if im := inputsRe.FindStringSubmatch(block.text); len(im) > 1 {
		task.Inputs = parseTypePairs(im[1])
	}
	if om := outputsRe.FindStringSubmatch(block.text); len(om) > 1 {
		task.Outputs = parseTypePairs(om[1])
	}

	return task
}

func parseMainBlock(lines []string) *mainBlock {
	depth := 0
	var mb *mainBlock

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if mb == nil {
			if trimmed == "main do" || strings.HasPrefix(trimmed, "main do ") || strings.HasPrefix(trimmed, "main do|") {
				mb = &mainBlock{Line: i + 1}
				depth = 1
			}
			continue
		}

		if strings.Contains(trimmed, " do") {
			depth++
		}
		if trimmed == "end" || strings.HasPrefix(trimmed, "end ") {
			depth--
			if depth <= 0 {
				break
			}
		}
		for _, cm := range taskCallRe.FindAllStringSubmatch(trimmed, -1) {
			mb.Calls = append(mb.Calls, taskCall{Task: cm[1], Line: i + 1})
		}
	}

	return mb
}

// parseTypePairs parses declarations like "city: 'string', count: 'integer'".
func parseTypePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `'"`)
		if key != "" {
			out[key] = val
		}
	}
	return out
}

func validParamType(t string) bool {
	switch t {
	case "string", "integer", "number", "boolean", "array", "hash", "any":
		return true
	}
	return false
}
