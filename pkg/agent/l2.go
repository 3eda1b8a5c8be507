package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tallyhq/tally/pkg/egress"
	"github.com/tallyhq/tally/pkg/types"
)

// errStepCap means the reasoner kept asking for tools until the step
// budget ran out without committing to a category.
var errStepCap = errors.New("l2 step cap exhausted without a decision")

// l2Tools is the closed set of tools the reasoner may request. Anything
// else is refused locally, never forwarded.
var l2Tools = map[string]bool{
	"web_lookup":    true,
	"browser_fetch": true,
	"ask_user":      true,
}

// l2Request is one turn of the reason-act exchange. The document is sent
// pre-sanitized by the egress proxy; history carries prior tool
// observations so the upstream is stateless.
type l2Request struct {
	Model    string       `json:"model"`
	TraceID  string       `json:"trace_id"`
	Document l2Document   `json:"document"`
	History  []l2HistItem `json:"history,omitempty"`
	Step     int          `json:"step"`
	StepCap  int          `json:"step_cap"`
}

type l2Document struct {
	Vendor      string `json:"vendor"`
	Amount      string `json:"amount"`
	OccurredAt  int64  `json:"occurred_at"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
}

type l2HistItem struct {
	Tool        string `json:"tool"`
	Input       string `json:"input"`
	Observation string `json:"observation"`
}

// l2Response carries either a final decision or a tool request, never both.
type l2Response struct {
	Decision *l2Decision `json:"decision,omitempty"`
	Action   *l2Action   `json:"action,omitempty"`
	Usage    l2Usage     `json:"usage"`
}

type l2Decision struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

type l2Action struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

type l2Usage struct {
	TotalTokens int64 `json:"total_tokens"`
}

type toolRequest struct {
	Tool    string `json:"tool"`
	Input   string `json:"input"`
	TraceID string `json:"trace_id"`
}

type toolResponse struct {
	Result string `json:"result"`
}

// reason runs the think-act-observe loop against the configured endpoint.
// Each turn is one egress round trip; tool calls are separate round trips
// whose observations feed the next turn. Returns the upstream's category
// and confidence, or an error for the breaker to count.
func (a *Agent) reason(ctx context.Context, doc types.DocumentRecord, tr *trail) (l2Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.L2.Timeout())
	defer cancel()

	history := make([]l2HistItem, 0, a.cfg.L2.StepCap)
	for step := 1; step <= a.cfg.L2.StepCap; step++ {
		out, err := a.exchange(ctx, doc, history, step)
		if err != nil {
			return l2Decision{}, err
		}
		a.budget.Record(out.Usage.TotalTokens)

		if out.Decision != nil {
			d := *out.Decision
			if d.Category == "" {
				return l2Decision{}, errors.New("l2 decision without a category")
			}
			tr.add("l2_decision", d.Reason, engineL2, "", d.Confidence)
			return d, nil
		}
		if out.Action == nil {
			return l2Decision{}, errors.New("l2 answered with neither decision nor action")
		}

		obs := a.invokeTool(ctx, doc, out.Action)
		tr.add("l2_act", fmt.Sprintf("step %d: %s(%s)", step, out.Action.Tool, clip(out.Action.Input, 80)), engineL2, "", 0)
		tr.add("l2_observe", clip(obs, 200), engineL2, "", 0)
		history = append(history, l2HistItem{
			Tool:        out.Action.Tool,
			Input:       out.Action.Input,
			Observation: obs,
		})
	}
	return l2Decision{}, errStepCap
}

func (a *Agent) exchange(ctx context.Context, doc types.DocumentRecord, history []l2HistItem, step int) (*l2Response, error) {
	payload, err := json.Marshal(l2Request{
		Model:   a.cfg.L2.Model,
		TraceID: doc.TraceID,
		Document: l2Document{
			Vendor:      doc.Vendor,
			Amount:      doc.Amount.StringFixed(2),
			OccurredAt:  doc.OccurredAt,
			Description: doc.Description,
			Source:      string(doc.Source),
		},
		History: history,
		Step:    step,
		StepCap: a.cfg.L2.StepCap,
	})
	if err != nil {
		return nil, fmt.Errorf("l2: marshal request: %w", err)
	}

	resp, err := a.proxy.Post(ctx, egress.Request{
		URL:       a.cfg.L2.Endpoint,
		Payload:   payload,
		TraceID:   doc.TraceID,
		Worker:    workerName,
		EstTokens: estimateTokens(payload),
	})
	if err != nil {
		return nil, err
	}
	var out l2Response
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("l2: decode response: %w", err)
	}
	return &out, nil
}

// invokeTool executes one tool request. Failures become observations so
// the reasoner can recover instead of aborting the whole loop.
func (a *Agent) invokeTool(ctx context.Context, doc types.DocumentRecord, act *l2Action) string {
	if !l2Tools[act.Tool] {
		return fmt.Sprintf("tool %q is not available", act.Tool)
	}
	payload, err := json.Marshal(toolRequest{Tool: act.Tool, Input: act.Input, TraceID: doc.TraceID})
	if err != nil {
		return "tool error: " + err.Error()
	}
	resp, err := a.proxy.Post(ctx, egress.Request{
		URL:       strings.TrimSuffix(a.cfg.L2.Endpoint, "/") + "/tools/" + act.Tool,
		Payload:   payload,
		TraceID:   doc.TraceID,
		Worker:    workerName,
		EstTokens: estimateTokens(payload),
	})
	if err != nil {
		return "tool error: " + err.Error()
	}
	var out toolResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "tool error: " + err.Error()
	}
	return out.Result
}

// estimateTokens is the pre-flight budget guess: ~4 bytes per token plus
// completion headroom. Actual spend comes from the usage report.
func estimateTokens(payload []byte) int64 {
	return int64(len(payload)/4) + 256
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
