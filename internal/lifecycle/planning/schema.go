package planning

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const questionSchemaJSON = `{
	"type": "object",
	"required": ["question"],
	"properties": {"question": {"type": "string"}}
}`

const completeSchemaJSON = `{
	"type": "object",
	"required": ["complete", "spec"],
	"properties": {
		"complete": {"const": true},
		"spec": {"type": "object"}
	}
}`

var (
	once           sync.Once
	questionSchema *jsonschema.Schema
	completeSchema *jsonschema.Schema
	compileErr     error
)

func schemas() (question, complete *jsonschema.Schema, err error) {
	once.Do(func() {
		c := jsonschema.NewCompiler()
		if addErr := c.AddResource("planning-question.json", strings.NewReader(questionSchemaJSON)); addErr != nil {
			compileErr = addErr
			return
		}
		if addErr := c.AddResource("planning-complete.json", strings.NewReader(completeSchemaJSON)); addErr != nil {
			compileErr = addErr
			return
		}
		questionSchema, compileErr = c.Compile("planning-question.json")
		if compileErr != nil {
			return
		}
		completeSchema, compileErr = c.Compile("planning-complete.json")
	})
	return questionSchema, completeSchema, compileErr
}

// classify reports which of the two fixed planning JSON shapes v matches, if
// either (spec.md §4.10 poll step).
func classify(v any) (isQuestion, isComplete bool) {
	question, complete, err := schemas()
	if err != nil {
		return false, false
	}
	return question.Validate(v) == nil, complete.Validate(v) == nil
}
