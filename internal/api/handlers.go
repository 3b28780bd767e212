package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/routing"
	"github.com/triage-ai/warden/internal/sanitizer"
	"github.com/triage-ai/warden/internal/store"
	"github.com/triage-ai/warden/internal/trust"
	"github.com/triage-ai/warden/internal/validator"
)

// handleValidate implements POST /v1/validate.
func (d *Dependencies) handleValidate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ValidateRequest
	if err := d.readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "text is required"})
		return
	}

	g := d.Runtime.Current()
	res := g.Validate(r.Context(), req.Text, validator.Options{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})

	tier := routing.Decide(res)
	resp := ValidateResponse{
		RequestID:          uuid.NewString(),
		ContextID:          res.Context.ID(),
		Tier:               tier.String(),
		Allowed:            !res.IsBlocked,
		RequiresQuarantine: res.RequiresQuarantine,
		TrustLevel:         res.TrustLevel,
		TrustScore:         res.Details.TrustScore,
		LatencyMs:          float64(time.Since(start)) / float64(time.Millisecond),
	}
	if tier != routing.Privileged {
		resp.Message = g.Config.BlockedMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSanitize implements POST /v1/sanitize.
func (d *Dependencies) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var req SanitizeRequest
	if err := d.readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	report := d.Runtime.Current().Sanitize(req.Text, sanitizer.Options{
		RemoveAllURLs: req.RemoveAllURLs,
		RemoveHTML:    req.RemoveHTML,
	})
	actions := report.Actions
	if actions == nil {
		actions = []string{}
	}
	writeJSON(w, http.StatusOK, SanitizeResponse{
		Sanitized:       report.Sanitized,
		Actions:         actions,
		Findings:        len(report.Findings),
		OriginalLength:  report.OriginalLength,
		SanitizedLength: report.SanitizedLength,
	})
}

// handleScan implements POST /v1/scan.
func (d *Dependencies) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := d.readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	findings := d.Runtime.Current().Scan(req.Text)
	resp := ScanResponse{Clean: len(findings) == 0, Findings: make([]FindingResp, 0, len(findings))}
	for _, f := range findings {
		resp.Findings = append(resp.Findings, FindingResp{
			Vector:      f.Vector,
			Risk:        string(f.Risk),
			Description: f.Description,
			Content:     f.Content,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleToolCheck implements POST /v1/tools/check.
func (d *Dependencies) handleToolCheck(w http.ResponseWriter, r *http.Request) {
	var req ToolCheckRequest
	if err := d.readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool is required"})
		return
	}
	decision := d.Runtime.Current().CheckTool(req.Tool, req.TrustLevel, req.UserID, req.ApprovedTools)
	writeJSON(w, http.StatusOK, decision)
}

// handleListTools implements GET /v1/tools: the effective table plus tools
// that are registered for execution but fall back to the default level.
func (d *Dependencies) handleListTools(w http.ResponseWriter, _ *http.Request) {
	g := d.Runtime.Current()
	table := g.Gate.Table()
	registered := g.Executor.Tools()

	resp := ToolListResp{Tools: make([]ToolResp, 0, table.Len()+len(registered))}
	seen := make(map[string]bool, table.Len())
	for _, name := range table.Tools() {
		lvl, _ := table.Required(name)
		_, reg := registered[name]
		resp.Tools = append(resp.Tools, ToolResp{Name: name, MinTrust: lvl, Registered: reg})
		seen[name] = true
	}
	for name, lvl := range registered {
		if !seen[name] {
			resp.Tools = append(resp.Tools, ToolResp{Name: name, MinTrust: lvl, Registered: true})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpsertTool implements PUT /v1/tools/{name}.
func (d *Dependencies) handleUpsertTool(w http.ResponseWriter, r *http.Request) {
	if d.Capabilities == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Postgres not configured"})
		return
	}
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool name is required"})
		return
	}

	var req UpsertToolReq
	if err := d.readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	lvl, err := trust.ParseLevel(req.MinTrust)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "min_trust must be one of QUARANTINED, UNTRUSTED, VERIFIED, TRUSTED"})
		return
	}

	saved, err := d.Capabilities.UpsertCapability(r.Context(), store.ToolCapability{
		Name:        name,
		MinTrust:    lvl,
		Description: req.Description,
	})
	if err != nil {
		d.Logger.Error("failed to upsert tool capability", zap.String("tool", name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to save tool capability"})
		return
	}
	d.refreshCapabilities(r)

	d.Logger.Info("tool capability updated",
		zap.String("tool", name),
		zap.String("min_trust", lvl.String()),
		zap.String("by", principalFromContext(r.Context()).Name),
	)
	writeJSON(w, http.StatusOK, ToolCapabilityResp{
		Name:        saved.Name,
		MinTrust:    saved.MinTrust,
		Description: saved.Description,
		UpdatedAt:   saved.UpdatedAt,
	})
}

// handleDeleteTool implements DELETE /v1/tools/{name}.
func (d *Dependencies) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if d.Capabilities == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Postgres not configured"})
		return
	}
	name := r.PathValue("name")
	if err := d.Capabilities.DeleteCapability(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tool override not found."})
			return
		}
		d.Logger.Error("failed to delete tool capability", zap.String("tool", name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete tool capability"})
		return
	}
	d.refreshCapabilities(r)
	w.WriteHeader(http.StatusNoContent)
}

// refreshCapabilities applies a persisted change now instead of on the
// next loader tick. A failure leaves the change to the loader.
func (d *Dependencies) refreshCapabilities(r *http.Request) {
	if err := d.Runtime.RefreshCapabilities(r.Context()); err != nil {
		d.Logger.Warn("capability refresh after write failed", zap.Error(err))
	}
}
