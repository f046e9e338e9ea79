package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smallsimplesuper/macplus/internal/models"
)

// dispatch routes one decoded Request to the matching Orchestrator method,
// the wire-level equivalent of internal/cli's subcommands — both are thin
// front-ends over the same command surface, one for the GUI host, one for
// a human at a terminal.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "trigger_full_scan":
		return okResponse(req.ID, map[string]string{"run_id": s.orc.TriggerFullScan(ctx)})

	case "check_all_updates":
		return okResponse(req.ID, map[string]string{"run_id": s.orc.CheckAllUpdates(ctx)})

	case "check_single_update":
		var p struct {
			BundleID string `json:"bundle_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		candidate, err := s.orc.CheckSingleUpdate(ctx, p.BundleID)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, candidate)

	case "execute_update":
		var p struct {
			BundleID string `json:"bundle_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		if err := s.orc.ExecuteUpdate(ctx, p.BundleID); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case "execute_bulk_update":
		var p struct {
			BundleIDs []string `json:"bundle_ids"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		s.orc.ExecuteBulkUpdate(ctx, p.BundleIDs)
		return okResponse(req.ID, nil)

	case "set_app_ignored":
		var p struct {
			BundleID string `json:"bundle_id"`
			Ignored  bool   `json:"ignored"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		if err := s.orc.SetAppIgnored(ctx, p.BundleID, p.Ignored); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case "get_all_apps":
		apps, err := s.orc.GetAllApps(ctx)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, apps)

	case "get_app_detail":
		var p struct {
			BundleID string `json:"bundle_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		detail, err := s.orc.GetAppDetail(ctx, p.BundleID)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, detail)

	case "get_update_count":
		count, err := s.orc.GetUpdateCount(ctx)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, map[string]int{"count": count})

	case "get_update_history":
		var p struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.Limit <= 0 {
			p.Limit = 20
		}
		history, err := s.orc.GetUpdateHistory(ctx, p.Limit)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, history)

	case "get_settings":
		settings, err := s.orc.GetSettings(ctx)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, settings)

	case "update_settings":
		var p models.Settings
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		if err := s.orc.UpdateSettings(ctx, p); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case "check_setup_status":
		return okResponse(req.ID, s.orc.CheckSetupStatus(ctx))

	case "check_connectivity":
		return okResponse(req.ID, map[string]bool{"online": s.orc.CheckConnectivity(ctx)})

	case "relaunch_app":
		var p struct {
			BundleID string `json:"bundle_id"`
			AppPath  string `json:"app_path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		if err := s.orc.RelaunchApp(ctx, p.BundleID, p.AppPath); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case "check_self_update":
		manifest, newer, err := s.orc.CheckSelfUpdate(ctx)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, map[string]any{"manifest": manifest, "newer": newer})

	case "execute_self_update":
		if err := s.orc.ExecuteSelfUpdate(ctx); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case "relaunch_self":
		if err := s.orc.RelaunchSelf(ctx); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case "uninstall_app":
		var p struct {
			BundleID          string `json:"bundle_id"`
			CleanupAssociated bool   `json:"cleanup_associated"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, err)
		}
		if err := s.orc.UninstallApp(ctx, p.BundleID, p.CleanupAssociated); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	default:
		return errResponse(req.ID, fmt.Errorf("unknown method %q", req.Method))
	}
}
