package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/session"
)

// ResultDirectoryHeader names the archived directory on /get-result.
const ResultDirectoryHeader = "X-Result-Directory"

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch apxerrors.KindOf(err) {
	case apxerrors.KindValidation:
		return http.StatusBadRequest
	case apxerrors.KindNotReady:
		return http.StatusConflict
	case apxerrors.KindNotFound:
		return http.StatusNotFound
	case apxerrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the current state. extra adds operation context such
// as the sequence name or run ID. Errors that are not user facing are
// reported as "internal error" and only their detail is logged.
func (s *Server) fail(c *gin.Context, err error, extra gin.H) {
	body := gin.H{}
	for k, v := range extra {
		body[k] = v
	}
	severity := apxerrors.GetSeverity(err)
	body["success"] = false
	body["message"] = err.Error()
	body["error_kind"] = apxerrors.KindOf(err).String()
	body["retryable"] = apxerrors.IsRetryable(err)
	body["severity"] = severity.String()
	body["state"] = s.ctrl.State()
	if !apxerrors.IsUserFacing(err) {
		body["message"] = "internal error"
	}

	code := statusFor(err)
	args := []any{"route", c.FullPath(), "status", code, "error", err}
	switch {
	case code >= http.StatusInternalServerError || severity >= apxerrors.SeverityError:
		s.logger.Error("request failed", args...)
	case severity == apxerrors.SeverityWarning:
		s.logger.Warn("request rejected", args...)
	default:
		s.logger.Debug("request rejected", args...)
	}
	c.JSON(code, body)
}

// bind decodes a JSON body. Empty bodies are rejected unless optional.
func bind(c *gin.Context, dst any, optional bool) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return apxerrors.NewValidationError("request body must be JSON").WithCause(apxerrors.ErrInvalidInput)
		}
		return apxerrors.NewValidationError("invalid request: " + err.Error()).WithCause(err)
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "apxctrl",
		"version": s.version,
		"state":   s.ctrl.State(),
		"endpoints": []string{
			"GET  /health",
			"GET  /status",
			"POST /setup",
			"GET  /list",
			"POST /run-sequence",
			"POST /run-measurement",
			"POST /run-signal-path",
			"POST /run-all",
			"POST /get-result",
			"POST /set-user-defined-variable",
			"POST /shutdown",
			"POST /reset",
			"GET  /ws",
			"GET  /metrics",
		},
	})
}

type healthResponse struct {
	Status        string        `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	State         session.State `json:"state"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	if !s.ctrl.HealthCheck(c.Request.Context()) {
		status = "degraded"
	}
	snap := s.ctrl.Snapshot()
	c.JSON(http.StatusOK, healthResponse{
		Status:        status,
		Timestamp:     snap.StartedAt.Add(snap.Uptime),
		State:         snap.State,
		UptimeSeconds: snap.UptimeSeconds,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Snapshot())
}

type setupResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	State   session.State `json:"state"`
	session.LaunchResult
}

func (s *Server) handleSetup(c *gin.Context) {
	var req session.LaunchRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err, nil)
		return
	}

	res, err := s.ctrl.Launch(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, gin.H{"project_path": req.ProjectPath, "warnings": res.Warnings})
		return
	}
	c.JSON(http.StatusOK, setupResponse{
		Success:      true,
		Message:      fmt.Sprintf("Project %q loaded", res.Project.Name),
		State:        s.ctrl.State(),
		LaunchResult: res,
	})
}

type listResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	State   session.State `json:"state"`
	session.StructureResult
}

func (s *Server) handleList(c *gin.Context) {
	res, err := s.ctrl.ListStructure(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	t := res.Totals
	c.JSON(http.StatusOK, listResponse{
		Success: true,
		Message: fmt.Sprintf("%d sequences, %d signal paths, %d measurements",
			t.Sequences, t.SignalPaths, t.Measurements),
		State:           s.ctrl.State(),
		StructureResult: res,
	})
}

type runSequenceRequest struct {
	SequenceName   string  `json:"sequence_name" binding:"required"`
	TestRunID      string  `json:"test_run_id"`
	TimeoutSeconds float64 `json:"timeout_seconds" binding:"omitempty,min=1,max=3600"`
}

type runSequenceResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	State   session.State `json:"state"`
	session.RunResult
}

func (s *Server) handleRunSequence(c *gin.Context) {
	var req runSequenceRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err, nil)
		return
	}

	res, err := s.ctrl.RunSequence(c.Request.Context(), req.SequenceName, req.TestRunID, seconds(req.TimeoutSeconds))
	if err != nil {
		s.fail(c, err, gin.H{
			"sequence_name":    req.SequenceName,
			"run_id":           res.RunID,
			"passed":           false,
			"duration_seconds": res.DurationSeconds,
		})
		return
	}

	verdict := "PASSED"
	if !res.Passed {
		verdict = "FAILED"
	}
	c.JSON(http.StatusOK, runSequenceResponse{
		Success:   true,
		Message:   fmt.Sprintf("Sequence %q completed. %s", req.SequenceName, verdict),
		State:     s.ctrl.State(),
		RunResult: res,
	})
}

type runMeasurementRequest struct {
	SignalPath     string  `json:"signal_path" binding:"required"`
	Measurement    string  `json:"measurement" binding:"required"`
	TimeoutSeconds float64 `json:"timeout_seconds" binding:"omitempty,min=1,max=3600"`
}

type runMeasurementResponse struct {
	Message string        `json:"message"`
	State   session.State `json:"state"`
	session.MeasurementResult
}

func (s *Server) handleRunMeasurement(c *gin.Context) {
	var req runMeasurementRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err, nil)
		return
	}

	res, err := s.ctrl.RunMeasurement(c.Request.Context(), req.SignalPath, req.Measurement, seconds(req.TimeoutSeconds))
	if err != nil {
		s.fail(c, err, gin.H{
			"signal_path":      req.SignalPath,
			"name":             req.Measurement,
			"duration_seconds": res.DurationSeconds,
		})
		return
	}
	c.JSON(http.StatusOK, runMeasurementResponse{
		Message:           fmt.Sprintf("Measurement %q completed", req.Measurement),
		State:             s.ctrl.State(),
		MeasurementResult: res,
	})
}

type runSignalPathRequest struct {
	SignalPath     string  `json:"signal_path" binding:"required"`
	TimeoutSeconds float64 `json:"timeout_seconds" binding:"omitempty,min=1,max=3600"`
}

type runSignalPathResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	State   session.State `json:"state"`
	session.SignalPathResult
}

func (s *Server) handleRunSignalPath(c *gin.Context) {
	var req runSignalPathRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err, nil)
		return
	}

	res, err := s.ctrl.RunSignalPath(c.Request.Context(), req.SignalPath, seconds(req.TimeoutSeconds))
	if err != nil {
		s.fail(c, err, gin.H{"signal_path": req.SignalPath, "results": res.Results})
		return
	}
	c.JSON(http.StatusOK, runSignalPathResponse{
		Success: true,
		Message: fmt.Sprintf("Signal path %q completed: %d of %d measurements failed",
			req.SignalPath, res.Failed, len(res.Results)),
		State:            s.ctrl.State(),
		SignalPathResult: res,
	})
}

type runAllRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds" binding:"omitempty,min=1,max=3600"`
}

type runAllResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	State   session.State `json:"state"`
	session.RunAllResult
}

// handleRunAll runs every checked measurement in the active sequence. The
// body is optional; timeout_seconds bounds each measurement.
func (s *Server) handleRunAll(c *gin.Context) {
	var req runAllRequest
	if err := bind(c, &req, true); err != nil {
		s.fail(c, err, nil)
		return
	}

	res, err := s.ctrl.RunAll(c.Request.Context(), seconds(req.TimeoutSeconds))
	if err != nil {
		s.fail(c, err, gin.H{"signal_paths": res.SignalPaths})
		return
	}
	c.JSON(http.StatusOK, runAllResponse{
		Success: true,
		Message: fmt.Sprintf("All measurements completed. %d/%d passed.",
			res.MeasurementsPassed, res.MeasurementsRun),
		State:        s.ctrl.State(),
		RunAllResult: res,
	})
}

type getResultRequest struct {
	TestRunID   string `json:"test_run_id" binding:"required"`
	ResultsPath string `json:"results_path" binding:"required"`
}

// handleGetResult streams the zip of the newest directory in results_path
// whose name starts with test_run_id.
func (s *Server) handleGetResult(c *gin.Context) {
	var req getResultRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err, nil)
		return
	}

	archive, err := s.ctrl.GetResult(c.Request.Context(), filepath.Join(req.ResultsPath, req.TestRunID))
	if err != nil {
		s.fail(c, err, gin.H{"test_run_id": req.TestRunID, "results_path": req.ResultsPath})
		return
	}

	c.Header(ResultDirectoryHeader, archive.SourceDir)
	c.Header("Content-Type", "application/zip")
	for _, w := range archive.Warnings {
		c.Writer.Header().Add("X-Result-Warning", w)
	}
	c.FileAttachment(archive.Path, archive.DirName+".zip")
}

type setVariableRequest struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value"`
}

func (s *Server) handleSetVariable(c *gin.Context) {
	var req setVariableRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err, nil)
		return
	}

	if err := s.ctrl.SetVariable(c.Request.Context(), req.Name, req.Value); err != nil {
		s.fail(c, err, gin.H{"name": req.Name, "value": req.Value})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Variable %q set to %q", req.Name, req.Value),
		"name":    req.Name,
		"value":   req.Value,
		"state":   s.ctrl.State(),
	})
}

type shutdownRequest struct {
	Force bool `json:"force"`
}

type shutdownResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	State   session.State `json:"state"`
	session.ShutdownResult
}

func (s *Server) handleShutdown(c *gin.Context) {
	var req shutdownRequest
	if err := bind(c, &req, true); err != nil {
		s.fail(c, err, nil)
		return
	}

	res := s.ctrl.Shutdown(c.Request.Context(), req.Force)
	msg := "Instrument shut down"
	switch {
	case !res.Graceful && res.Killed > 0:
		msg = fmt.Sprintf("Instrument close failed; killed %d process(es)", res.Killed)
	case !res.Graceful:
		msg = "Instrument close failed; handle released"
	}
	c.JSON(http.StatusOK, shutdownResponse{
		Success:        res.Graceful || req.Force,
		Message:        msg,
		State:          s.ctrl.State(),
		ShutdownResult: res,
	})
}

func (s *Server) handleReset(c *gin.Context) {
	killed := s.ctrl.Reset(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"message":          fmt.Sprintf("Reset complete. Killed %d process(es).", killed),
		"killed_processes": killed,
		"state":            s.ctrl.State(),
	})
}
