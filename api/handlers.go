package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskbot-api/domain"
)

const taskBodyMaxSize = 64 * 1024 // 64 KiB

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, auth Authenticator, sink EventSink, logger *log.Logger) {
	e.GET("/api/health", health)
	e.GET("/api/tasks", listTasks(svc, auth, logger))
	e.POST("/api/tasks", createTask(svc, auth))
	e.GET("/api/tasks/:id", getTask(svc, auth))
	e.PATCH("/api/tasks/:id", updateTask(svc, auth))
	e.POST("/api/tasks/:id/complete", completeTask(svc, auth))
	e.POST("/api/tasks/:id/reopen", reopenTask(svc, auth))
	e.DELETE("/api/tasks/:id", deleteTask(svc, auth))

	initEventPublisher(sink, logger)
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// health answers liveness without touching the store.
func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "taskbot-api"})
}

// respondDomainError is the single place mapping domain outcomes to
// response codes. Unexpected failures are logged and never leak internal
// detail to the caller.
func respondDomainError(c echo.Context, err error) error {
	var verr domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.String(http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		return c.String(http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrConflict):
		return c.String(http.StatusConflict, "conflicting concurrent update")
	case errors.Is(err, domain.ErrStoreUnavailable):
		c.Logger().Error(err)
		return c.String(http.StatusServiceUnavailable, "storage unavailable")
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, taskBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func listTasks(svc TaskService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newTaskRequestMetrics(ctx, logger, "/api/tasks")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		ownerID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		statusFilter := c.QueryParam("status")
		metrics.SetStatusFilter(statusFilter)

		fetchStart := time.Now()
		tasks, fetchErr := svc.ListTasks(ctx, ownerID, statusFilter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			var verr domain.ValidationError
			if errors.As(fetchErr, &verr) {
				metrics.SetErrorStage("invalid_status_filter")
			} else {
				metrics.SetErrorStage("storage")
			}
			err = respondDomainError(c, fetchErr)
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasks)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		task, err := svc.CreateTask(c.Request().Context(), ownerID, req.Title, req.Description)
		if err != nil {
			return respondDomainError(c, err)
		}
		publishTaskEvent(ownerID, newTaskEvent(domain.TaskCreated, task))
		return c.JSON(http.StatusCreated, task)
	}
}

func getTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := svc.GetTask(c.Request().Context(), ownerID, c.Param("id"))
		if err != nil {
			return respondDomainError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func updateTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req updateTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		patch := domain.TaskPatch{Title: req.Title, Description: req.Description}
		if req.Status != nil {
			st := domain.Status(*req.Status)
			patch.Status = &st
		}
		task, err := svc.UpdateTask(c.Request().Context(), ownerID, c.Param("id"), patch)
		if err != nil {
			return respondDomainError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func completeTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := svc.CompleteTask(c.Request().Context(), ownerID, c.Param("id"))
		if err != nil {
			return respondDomainError(c, err)
		}
		publishTaskEvent(ownerID, newTaskEvent(domain.TaskCompleted, task))
		return c.JSON(http.StatusOK, task)
	}
}

func reopenTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		task, err := svc.ReopenTask(c.Request().Context(), ownerID, c.Param("id"))
		if err != nil {
			return respondDomainError(c, err)
		}
		publishTaskEvent(ownerID, newTaskEvent(domain.TaskReopened, task))
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(svc TaskService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		id := c.Param("id")
		if err := svc.DeleteTask(c.Request().Context(), ownerID, id); err != nil {
			return respondDomainError(c, err)
		}
		publishTaskEvent(ownerID, newTaskEvent(domain.TaskDeleted, domain.Task{ID: id}))
		return c.NoContent(http.StatusNoContent)
	}
}
