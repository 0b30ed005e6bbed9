// Package api exposes the pipeline over HTTP. The server fronts the
// coordinator and the deleter; workers never go through it.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/pipeline"
)

// TenantHeader carries the caller's tenant id. Authentication happens
// upstream; by the time a request lands here the header is trusted.
const TenantHeader = "X-Tenant-ID"

// Server is the HTTP surface of the pipeline.
type Server struct {
	echo        *echo.Echo
	store       db.Store
	coordinator *pipeline.Coordinator
	deleter     *pipeline.Deleter
	log         *logrus.Entry
}

func NewServer(store db.Store, coordinator *pipeline.Coordinator, deleter *pipeline.Deleter, logger *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		store:       store,
		coordinator: coordinator,
		deleter:     deleter,
		log:         logger.WithField("component", "api"),
	}

	e.GET("/health", s.health)
	e.POST("/documents/:id/pipeline", s.submitPipeline)
	e.POST("/documents/delete_batch", s.deleteBatch)
	e.DELETE("/documents/:id", s.deleteDocument)
	e.GET("/pipeline/jobs/:id", s.jobStatus)
	e.POST("/pipeline/jobs/:id/cancel", s.cancelJob)

	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start(address string) error {
	s.log.WithField("address", address).Info("API server listening")
	if err := s.echo.Start(address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func tenantID(c echo.Context) (string, error) {
	tenant := c.Request().Header.Get(TenantHeader)
	if tenant == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "missing "+TenantHeader+" header")
	}
	return tenant, nil
}

type submitRequest struct {
	RawLocation    string `json:"raw_location,omitempty"`
	SourceLocation string `json:"source_location,omitempty"`
	StoreRaw       bool   `json:"store_raw,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

func (s *Server) submitPipeline(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	job, err := s.coordinator.Submit(c.Request().Context(), pipeline.SubmitRequest{
		DocumentID:     c.Param("id"),
		TenantID:       tenant,
		UserID:         req.UserID,
		RawLocation:    req.RawLocation,
		SourceLocation: req.SourceLocation,
		StoreRaw:       req.StoreRaw,
	})
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

type jobStatusResponse struct {
	Job    *db.PipelineJob    `json:"job"`
	Phases []db.PipelinePhase `json:"phases"`
}

func (s *Server) jobStatus(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	job, err := s.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		return s.toHTTPError(err)
	}
	if job.TenantID != tenant {
		// Cross-tenant probes see the same answer as a missing job.
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}

	phases, err := s.store.PhasesForJob(ctx, job.ID)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, jobStatusResponse{Job: job, Phases: phases})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelJob(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	reason := req.Reason
	if reason == "" {
		reason = "Cancelled via API"
	}

	if err := s.coordinator.Cancel(c.Request().Context(), c.Param("id"), tenant, reason); err != nil {
		return s.toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteDocument(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	if err := s.deleter.Delete(c.Request().Context(), c.Param("id"), tenant); err != nil {
		return s.toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type deleteBatchRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

func (s *Server) deleteBatch(c echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req deleteBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if len(req.DocumentIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "document_ids must not be empty")
	}

	result, err := s.deleter.DeleteBatch(c.Request().Context(), req.DocumentIDs, tenant)
	if err != nil {
		return s.toHTTPError(err)
	}
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, result)
}

// toHTTPError maps domain errors onto HTTP statuses. Tenant mismatches
// surface as 404 so callers cannot probe other tenants' documents.
func (s *Server) toHTTPError(err error) error {
	if db.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	switch common.ErrorName(err) {
	case common.ErrNameValidation, common.ErrNameValue, common.ErrNameInvalidFileFormat:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case common.ErrNameTenantMismatch, common.ErrNameFileNotFound:
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case common.ErrNameAuthentication:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case common.ErrNameRateLimit:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	}
	s.log.WithError(err).Error("Request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
