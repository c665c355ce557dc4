// Package router selects which model.Provider a turn's model name should use,
// based on the model's wire format ("responses" or "chat"), and expands
// short model aliases before routing.
package router

import (
	"fmt"

	"github.com/codex-turnengine/turnengine/pkg/aliases"
	"github.com/codex-turnengine/turnengine/pkg/model"
)

// Router binds the two wire-format providers and resolves a model name to
// whichever one speaks its wire format.
type Router struct {
	table     *aliases.Table
	responses model.Provider
	chat      model.Provider
}

// New builds a Router. Either provider may be nil if the embedder only
// configured one wire format; routing to the missing format then errors.
func New(table *aliases.Table, responses, chat model.Provider) *Router {
	if table == nil {
		table = aliases.NewTable(nil, nil)
	}
	return &Router{table: table, responses: responses, chat: chat}
}

// Resolve expands model (an alias or full id) and returns the full model id
// plus the Provider that speaks its wire format.
func (r *Router) Resolve(modelName string) (fullID string, provider model.Provider, err error) {
	fullID = r.table.Expand(modelName)
	switch r.table.WireFormat(fullID) {
	case "chat":
		if r.chat == nil {
			return fullID, nil, fmt.Errorf("router: no chat-format provider configured for model %q", fullID)
		}
		return fullID, r.chat, nil
	default:
		if r.responses == nil {
			return fullID, nil, fmt.Errorf("router: no responses-format provider configured for model %q", fullID)
		}
		return fullID, r.responses, nil
	}
}
