// Package rpc - OpenAPI schema, served in demo mode only.
package rpc

import "net/http"

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, openAPISchema())
}

// openAPISchema describes the GET surface. Hand-maintained; update it
// together with the route table in Handler.
func openAPISchema() map[string]interface{} {
	pathGet := func(summary string, params ...map[string]interface{}) map[string]interface{} {
		get := map[string]interface{}{
			"summary": summary,
			"responses": map[string]interface{}{
				"200": map[string]interface{}{
					"description": "Successful Response",
					"content": map[string]interface{}{
						"application/json": map[string]interface{}{},
					},
				},
			},
		}
		if len(params) > 0 {
			get["parameters"] = params
		}
		return map[string]interface{}{"get": get}
	}
	queryParam := func(name string, required bool, typ string) map[string]interface{} {
		return map[string]interface{}{
			"name":     name,
			"in":       "query",
			"required": required,
			"schema":   map[string]interface{}{"type": typ},
		}
	}
	pathParam := func(name string) map[string]interface{} {
		return map[string]interface{}{
			"name":     name,
			"in":       "path",
			"required": true,
			"schema":   map[string]interface{}{"type": "string"},
		}
	}

	return map[string]interface{}{
		"openapi": "3.1.0",
		"info": map[string]interface{}{
			"title":   "Oracle API",
			"version": "0.1.0",
		},
		"paths": map[string]interface{}{
			"/api/v0/oracle/oracle_info":   pathGet("Oracle identity and keys"),
			"/api/v0/oracle/oracle_status": pathGet("Event counters and current time"),
			"/api/v0/event/event/{event_id}": pathGet("One event with nonces and any outcome",
				pathParam("event_id")),
			"/api/v0/event/events": pathGet("Events in a time range (max 100)",
				queryParam("start_time", false, "integer"),
				queryParam("end_time", false, "integer"),
				queryParam("definition", false, "string")),
			"/api/v0/event/event_ids": pathGet("Event ids in a time range (max 5000)",
				queryParam("start_time", false, "integer"),
				queryParam("end_time", false, "integer"),
				queryParam("definition", false, "string")),
			"/api/v0/event/event_classes": pathGet("All event classes"),
			"/api/v0/event/next_event": pathGet("Next event of a definition",
				queryParam("definition", true, "string"),
				queryParam("period", false, "integer")),
			"/api/v0/price/current_all":           pathGet("Current price per symbol"),
			"/api/v0/price/current/{symbol}":      pathGet("Current price of a symbol", pathParam("symbol")),
			"/api/v0/price_info/current_all":      pathGet("Current price info per symbol"),
			"/api/v0/price_info/current/{symbol}": pathGet("Current price info of a symbol", pathParam("symbol")),
		},
	}
}
