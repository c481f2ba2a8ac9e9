package orchestrator

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// decisionSchemaJSON fixes the shape of a parsed orchestrator reply (spec.md
// §4.8 step 4): a required action, a required reasoning string, and an
// optional feedback string carried into the rework path.
const decisionSchemaJSON = `{
	"type": "object",
	"required": ["action", "reasoning"],
	"properties": {
		"action": {
			"type": "string",
			"enum": [
				"dispatch_to_programmer", "needs_more_planning",
				"send_to_testing", "send_to_review",
				"send_to_programmer", "fallback"
			]
		},
		"reasoning": {"type": "string"},
		"feedback": {"type": "string"}
	}
}`

var (
	decisionSchemaOnce sync.Once
	decisionSchema     *jsonschema.Schema
	decisionSchemaErr  error
)

// compiledDecisionSchema lazily compiles decisionSchemaJSON once per process,
// mirroring the teacher's preference for package-level singletons over a
// compile-per-call cost on the orchestrator's hot poll path.
func compiledDecisionSchema() (*jsonschema.Schema, error) {
	decisionSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("orchestrator-decision.json", strings.NewReader(decisionSchemaJSON)); err != nil {
			decisionSchemaErr = err
			return
		}
		decisionSchema, decisionSchemaErr = c.Compile("orchestrator-decision.json")
	})
	return decisionSchema, decisionSchemaErr
}

// validateDecision checks a parsed JSON value against the decision schema.
func validateDecision(v any) error {
	schema, err := compiledDecisionSchema()
	if err != nil {
		return err
	}
	return schema.Validate(v)
}
