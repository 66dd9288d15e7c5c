// Package api embeds the OpenAPI document for the REST routes.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPIDocument []byte
