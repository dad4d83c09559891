package config

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	procschema "github.com/Paintersrp/procman/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const processesSchemaURL = "processes.v1.json"

// compiledSchema compiles the embedded processes schema on first use.
var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(processesSchemaURL, bytes.NewReader(procschema.ProcessesV1Schema)); err != nil {
		return nil, fmt.Errorf("add processes schema resource: %w", err)
	}
	schema, err := compiler.Compile(processesSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile processes schema: %w", err)
	}
	return schema, nil
})

// validateAgainstSchema expects doc decoded with json.Decoder.UseNumber.
func validateAgainstSchema(doc any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("load processes schema: %w", err)
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var vErr *jsonschema.ValidationError
	if !errors.As(err, &vErr) {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return fmt.Errorf("schema validation failed:\n%s", strings.Join(schemaProblems(vErr), "\n"))
}

// schemaProblems flattens a validation error into one line per failing
// keyword. Grouping nodes such as allOf wrappers carry no detail of their own
// and are skipped.
func schemaProblems(root *jsonschema.ValidationError) []string {
	var (
		lines []string
		seen  = make(map[string]bool)
	)
	var visit func(*jsonschema.ValidationError)
	visit = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				visit(cause)
			}
			return
		}
		line := fmt.Sprintf("  - %s: %s", documentPath(e.InstanceLocation), e.Message)
		if !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}
	visit(root)
	return lines
}

// documentPath renders a JSON pointer in the processes[i].field form used by
// Validate, e.g. /processes/0/name becomes processes[0].name.
func documentPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "document"
	}
	tokens := strings.Split(pointer, "/")
	for i, tok := range tokens {
		tokens[i] = strings.NewReplacer("~1", "/", "~0", "~").Replace(tok)
	}
	if len(tokens) >= 2 && tokens[0] == "processes" {
		if idx, err := strconv.Atoi(tokens[1]); err == nil {
			return processField(idx, strings.Join(tokens[2:], "."))
		}
	}
	return strings.Join(tokens, ".")
}
