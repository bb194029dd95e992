package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/linking"
	"github.com/TomW1605/DiscordModLog/pipeline"

	"github.com/bwmarrin/snowflake"
	"github.com/labstack/echo/v4"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type OutcomeResponse struct {
	Stage           string `json:"stage"`
	Action          string `json:"action,omitempty"`
	RecordID        uint64 `json:"record_id,omitempty"`
	NotificationRef string `json:"notification_ref,omitempty"`
	LinkPending     bool   `json:"link_pending,omitempty"`
}

func outcomeResponse(out *pipeline.Outcome) OutcomeResponse {
	resp := OutcomeResponse{Stage: out.Stage.String()}
	if out.Action.Valid() {
		resp.Action = out.Action.String()
	}
	resp.RecordID = out.RecordID
	resp.NotificationRef = out.NotificationRef
	resp.LinkPending = out.LinkPending
	return resp
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		slog.Warn("modlogd-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "modlogd", Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "modlogd"})
}

func (srv *Server) HandleAuditEvent(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	e, err := auditlog.Decode(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var out *pipeline.Outcome
	err = srv.sched.Do(c.Request().Context(), e.CommunityID.String(), func(ctx context.Context) error {
		var perr error
		out, perr = srv.engine.Process(ctx, e)
		return perr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, outcomeResponse(out))
}

type WarningRequest struct {
	GuildID        snowflake.ID `json:"guild_id"`
	ModeratorID    snowflake.ID `json:"moderator_id"`
	UserID         snowflake.ID `json:"user_id"`
	Reason         *string      `json:"reason"`
	AttachmentName string       `json:"attachment_name"`
	// base64 in JSON
	Attachment []byte `json:"attachment"`
}

func (srv *Server) HandleWarning(c echo.Context) error {
	var req WarningRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	var out *pipeline.Outcome
	err := srv.sched.Do(c.Request().Context(), req.GuildID.String(), func(ctx context.Context) error {
		var werr error
		out, werr = srv.engine.Warn(ctx, pipeline.WarnRequest{
			CommunityID:    req.GuildID,
			Actor:          auditlog.User{ID: req.ModeratorID},
			TargetID:       req.UserID,
			Reason:         req.Reason,
			Attachment:     req.Attachment,
			AttachmentName: req.AttachmentName,
		})
		return werr
	})
	if errors.Is(err, pipeline.ErrInvalidWarning) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, outcomeResponse(out))
}

type LinkRequest struct {
	UserID snowflake.ID `json:"user_id"`
}

type LinkResponse struct {
	RecordID uint64 `json:"record_id"`
	State    string `json:"state"`
}

func (srv *Server) HandleLink(c echo.Context) error {
	ref := c.Param("ref")
	var req LinkRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	// links run on the owning community's queue, behind its pending events
	key := ""
	if srv.engine.Links != nil {
		if s, ok := srv.engine.Links.Get(ref); ok {
			key = s.CommunityID.String()
		}
	}
	var sess *linking.Session
	err := srv.sched.Do(c.Request().Context(), key, func(ctx context.Context) error {
		var lerr error
		sess, lerr = srv.engine.Link(ctx, ref, req.UserID)
		return lerr
	})
	switch {
	case errors.Is(err, linking.ErrUnknownSession), errors.Is(err, pipeline.ErrLinkingOff):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, linking.ErrAlreadyBound), errors.Is(err, linking.ErrExpired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, linking.ErrNoSelection), errors.Is(err, linking.ErrUserNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, LinkResponse{RecordID: sess.RecordID, State: sess.State().String()})
}

func (srv *Server) HandleReload(c echo.Context) error {
	if err := srv.reload(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "modlogd", Message: "configuration reloaded"})
}
