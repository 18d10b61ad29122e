package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

const (
	tagKeys    = "keys"
	tagAccount = "account"
	tagOps     = "operations"
)

// Generate builds the OpenAPI 3.1 document describing keygate's HTTP API.
func Generate(baseURL, version string) *openapi3.T {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "keygate API",
			Description: "Issue, validate and revoke API keys.",
			Version:     version,
		},
		Tags: openapi3.Tags{
			{Name: tagKeys, Description: "Key management. Requires the root secret or a key with \"*\" or \"admin\"."},
			{Name: tagAccount, Description: "Introspection for key holders."},
			{Name: tagOps, Description: "Health, readiness and metrics."},
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{
		"ErrorResponse":    errorResponseSchema(),
		"KeyView":          keyViewSchema(),
		"CreatedKey":       createdKeySchema(),
		"CreateKeyRequest": createKeyRequestSchema(),
		"RenameKeyRequest": renameKeyRequestSchema(),
	}
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:        "http",
				Scheme:      "bearer",
				Description: "An API key (kg_...) or, on admin routes, the root secret.",
			},
		},
	}
	doc.Components = &components
	doc.Security = openapi3.SecurityRequirements{{"bearerAuth": {}}}

	doc.Paths = openapi3.NewPaths()
	addKeyPaths(doc)
	addAccountPaths(doc)
	addOperationalPaths(doc)
	return doc
}

func addKeyPaths(doc *openapi3.T) {
	doc.Paths.Set("/keys", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{tagKeys},
			Summary:     "Create an API key",
			Description: "The plaintext key is returned in this response only.",
			OperationID: "createKey",
			RequestBody: jsonBody("Key to create", "CreateKeyRequest"),
			Responses:   newResponses("201", "Key created", ref("CreatedKey"), "400", "401", "403", "429", "500"),
		},
		Get: &openapi3.Operation{
			Tags:        []string{tagKeys},
			Summary:     "List API keys",
			Description: "Newest first. Revoked keys are omitted unless includeRevoked is true.",
			OperationID: "listKeys",
			Parameters: openapi3.Parameters{
				boolQuery("includeRevoked", "Include revoked keys."),
			},
			Responses: newResponses("200", "Keys", arrayOf("KeyView"), "401", "403", "429", "500"),
		},
	})

	doc.Paths.Set("/keys/{id}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{
			&openapi3.ParameterRef{Value: openapi3.NewPathParameter("id").
				WithDescription("Key ID").
				WithSchema(openapi3.NewUUIDSchema())},
		},
		Get: &openapi3.Operation{
			Tags:        []string{tagKeys},
			Summary:     "Get an API key",
			OperationID: "getKey",
			Responses:   newResponses("200", "Key", ref("KeyView"), "401", "403", "404", "429", "500"),
		},
		Put: &openapi3.Operation{
			Tags:        []string{tagKeys},
			Summary:     "Rename an API key",
			OperationID: "renameKey",
			RequestBody: jsonBody("New name", "RenameKeyRequest"),
			Responses: newResponses("200", "Key renamed", objectSchema(openapi3.Schemas{
				"id":      openapi3.NewStringSchema().NewRef(),
				"name":    openapi3.NewStringSchema().NewRef(),
				"updated": openapi3.NewBoolSchema().NewRef(),
			}, "id", "name", "updated"), "400", "401", "403", "404", "429", "500"),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{tagKeys},
			Summary:     "Revoke or delete an API key",
			Description: "Revokes the key. With permanent=true the key is removed instead. Revoking a revoked key succeeds.",
			OperationID: "deleteKey",
			Parameters: openapi3.Parameters{
				boolQuery("permanent", "Delete the key instead of revoking it."),
			},
			Responses: newResponses("200", "Key revoked or deleted", objectSchema(openapi3.Schemas{
				"id":     openapi3.NewStringSchema().NewRef(),
				"action": openapi3.NewStringSchema().WithEnum("revoked", "deleted").NewRef(),
			}, "id", "action"), "401", "403", "404", "429", "500"),
		},
	})
}

func addAccountPaths(doc *openapi3.T) {
	keyOrNull := ref("KeyView")
	doc.Paths.Set("/me", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tagAccount},
			Summary:     "Describe the calling key",
			OperationID: "me",
			Responses: newResponses("200", "Caller", objectSchema(openapi3.Schemas{
				"type":  openapi3.NewStringSchema().WithEnum("api_key", "root").NewRef(),
				"admin": openapi3.NewBoolSchema().NewRef(),
				"key":   keyOrNull,
			}, "type", "admin", "key"), "401", "500"),
		},
	})

	doc.Paths.Set("/status", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tagAccount},
			Summary:     "Report whether the request is authenticated",
			OperationID: "status",
			Security:    &openapi3.SecurityRequirements{{}, {"bearerAuth": {}}},
			Responses: newResponses("200", "Authentication status", objectSchema(openapi3.Schemas{
				"authenticated": openapi3.NewBoolSchema().NewRef(),
				"keyId":         openapi3.NewStringSchema().NewRef(),
			}, "authenticated")),
		},
	})
}

func addOperationalPaths(doc *openapi3.T) {
	public := &openapi3.SecurityRequirements{}
	status := objectSchema(openapi3.Schemas{
		"status": openapi3.NewStringSchema().NewRef(),
	}, "status")

	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tagOps},
			Summary:     "Liveness probe",
			OperationID: "healthz",
			Security:    public,
			Responses:   newResponses("200", "Process is running", status),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tagOps},
			Summary:     "Readiness probe",
			Description: "Pings the key store and reports the number of active keys.",
			OperationID: "readyz",
			Security:    public,
			Responses: newResponses("200", "Store reachable", objectSchema(openapi3.Schemas{
				"status":     openapi3.NewStringSchema().NewRef(),
				"activeKeys": openapi3.NewInt64Schema().NewRef(),
			}, "status"), "503"),
		},
	})
	doc.Paths.Set("/metrics", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tagOps},
			Summary:     "Prometheus metrics",
			OperationID: "metrics",
			Security:    public,
			Responses:   textResponse("Metrics in the Prometheus text format"),
		},
	})
}
