package tool_test

import (
	"fmt"

	"github.com/kadirpekel/maestro/pkg/tool"
)

// Seed catalogs registered in code can derive a tool's input schema from the
// Go struct its arguments decode into.
func ExampleMustSchemaFor() {
	type deployArgs struct {
		Service     string `json:"service" jsonschema:"required,description=Service to roll out"`
		Environment string `json:"environment" jsonschema:"required"`
	}

	catalog := tool.NewCatalog()
	if err := catalog.Register(&tool.Tool{
		Name:        "deploy_service",
		Server:      "infra",
		Description: "Roll out a service to an environment",
		Tags:        []string{"deploy"},
		InputSchema: tool.MustSchemaFor(deployArgs{}),
	}); err != nil {
		panic(err)
	}

	registered, _ := catalog.Get("deploy_service")
	fmt.Println(registered.InputSchema["type"])
	// Output: object
}
