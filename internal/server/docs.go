package server

import (
	"github.com/swaggo/swag"
)

// docTemplate describes the routes of the server for the swagger UI.
const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{.Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {"get": {"summary": "Report that the server is up", "responses": {"200": {"description": "OK"}}}},
        "/engine/info": {"get": {"summary": "Get the engine version", "responses": {"200": {"description": "OK"}}}},
        "/enclaves": {
            "get": {"summary": "List live enclaves", "responses": {"200": {"description": "OK"}}},
            "post": {"summary": "Create an enclave", "responses": {"201": {"description": "Created"}, "409": {"description": "Name taken"}, "422": {"description": "Invalid request"}}}
        },
        "/enclaves/identifiers": {"get": {"summary": "List live and historical enclave identifiers", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/clean": {"post": {"summary": "Destroy stopped enclaves, or every enclave with all=true", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}": {
            "get": {"summary": "Get an enclave", "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}, "409": {"description": "Ambiguous identifier"}}},
            "delete": {"summary": "Destroy an enclave", "responses": {"204": {"description": "Destroyed"}}}
        },
        "/enclaves/{enclave}/stop": {"post": {"summary": "Stop every container of an enclave", "responses": {"204": {"description": "Stopped"}}}},
        "/enclaves/{enclave}/logs": {"post": {"summary": "Stream service logs as newline-delimited JSON, or over a websocket with GET", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/runs/script": {"post": {"summary": "Run a Starlark script and stream its events", "responses": {"200": {"description": "OK"}, "409": {"description": "Run in progress"}}}},
        "/enclaves/{enclave}/runs/package": {"post": {"summary": "Run an uploaded Starlark package and stream its events", "responses": {"200": {"description": "OK"}, "404": {"description": "Package not uploaded"}}}},
        "/enclaves/{enclave}/runs/last": {"get": {"summary": "Get the last run", "responses": {"200": {"description": "OK"}, "404": {"description": "No run"}}}},
        "/enclaves/{enclave}/packages": {"post": {"summary": "Upload a Starlark package as a chunk stream", "consumes": ["application/cbor-seq"], "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/services": {
            "get": {"summary": "Get services", "responses": {"200": {"description": "OK"}}},
            "post": {"summary": "Start services", "responses": {"200": {"description": "OK"}}}
        },
        "/enclaves/{enclave}/services/identifiers": {"get": {"summary": "List live and historical service identifiers", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/services/{service}": {"delete": {"summary": "Remove a service", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/services/{service}/exec": {"post": {"summary": "Run a command in a service", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/services/{service}/pause": {"post": {"summary": "Pause a service", "responses": {"204": {"description": "Paused"}}}},
        "/enclaves/{enclave}/services/{service}/unpause": {"post": {"summary": "Unpause a service", "responses": {"204": {"description": "Unpaused"}}}},
        "/enclaves/{enclave}/services/{service}/wait": {"post": {"summary": "Wait for an HTTP endpoint of a service", "responses": {"204": {"description": "Available"}, "504": {"description": "Unavailable"}}}},
        "/enclaves/{enclave}/repartition": {"post": {"summary": "Replace the network partitioning", "responses": {"204": {"description": "Repartitioned"}}}},
        "/enclaves/{enclave}/artifacts": {
            "get": {"summary": "List files artifacts", "responses": {"200": {"description": "OK"}}},
            "post": {"summary": "Upload a files artifact as a chunk stream", "consumes": ["application/cbor-seq"], "responses": {"200": {"description": "OK"}}}
        },
        "/enclaves/{enclave}/artifacts/web": {"post": {"summary": "Store a files artifact downloaded from a URL", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/artifacts/service": {"post": {"summary": "Store a files artifact copied from a service", "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/artifacts/{artifact}": {"get": {"summary": "Download a files artifact as a chunk stream", "produces": ["application/cbor-seq"], "responses": {"200": {"description": "OK"}}}},
        "/enclaves/{enclave}/artifacts/{artifact}/contents": {"get": {"summary": "List the files of a files artifact", "responses": {"200": {"description": "OK"}}}}
    }
}`

var swaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Title:            "Enclave engine",
	Description:      "Creates enclaves of containerized services and runs Starlark plans in them.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(swaggerInfo.InstanceName(), swaggerInfo)
}
