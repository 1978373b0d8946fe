package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/stayopen/internal/api/models"
	"github.com/smazurov/stayopen/internal/process"
)

func (s *Server) registerWorkerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-worker",
		Method:      http.MethodGet,
		Path:        "/api/worker",
		Summary:     "Worker Status",
		Description: "Current state of the supervised exiftool process",
		Tags:        []string{"worker"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.WorkerResponse, error) {
		return &models.WorkerResponse{Body: workerData(s.client.Info())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-worker-program",
		Method:      http.MethodPut,
		Path:        "/api/worker/program",
		Summary:     "Change Worker Program",
		Description: "Point the worker at another exiftool (and optionally perl) and restart it. Unchanged paths on a running worker are a no-op.",
		Tags:        []string{"worker"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 503},
	}, func(_ context.Context, input *models.WorkerProgramRequest) (*models.WorkerResponse, error) {
		perl := s.client.Info().Interpreter
		if input.Body.Perl != nil {
			perl = *input.Body.Perl
		}

		if err := s.client.SetPaths(input.Body.Program, perl); err != nil {
			return nil, mapStartError(err, true)
		}
		return &models.WorkerResponse{Body: workerData(s.client.Info())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "restart-worker",
		Method:      http.MethodPost,
		Path:        "/api/worker/restart",
		Summary:     "Restart Worker",
		Description: "Terminate the worker, failing queued commands, and start a new instance",
		Tags:        []string{"worker"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.WorkerResponse, error) {
		if err := s.client.Restart(); err != nil {
			return nil, mapStartError(err, false)
		}
		return &models.WorkerResponse{Body: workerData(s.client.Info())}, nil
	})
}

func workerData(info process.Info) models.WorkerData {
	data := models.WorkerData{
		State:        string(info.State),
		PID:          info.PID,
		Instance:     info.Instance,
		Program:      info.Program,
		Interpreter:  info.Interpreter,
		RestartCount: info.RestartCount,
		QueueLength:  info.QueueLength,
		Busy:         info.Busy,
		Unretrieved:  info.Unretrieved,
	}
	if !info.StartedAt.IsZero() {
		startedAt := info.StartedAt
		data.StartedAt = &startedAt
	}
	if info.LastError != nil {
		data.LastError = info.LastError.Error()
	}
	return data
}

// mapStartError maps worker start failures to HTTP errors. Bad paths are
// the caller's fault when they supplied them.
func mapStartError(err error, userPaths bool) error {
	if errors.Is(err, process.ErrClosed) {
		return huma.Error503ServiceUnavailable("worker is shutting down", err)
	}

	var startErr *process.StartError
	if !errors.As(err, &startErr) {
		if userPaths {
			return huma.Error400BadRequest(err.Error(), err)
		}
		return huma.Error500InternalServerError("internal server error", err)
	}

	switch startErr.Code {
	case process.ErrCodeBinaryMissing, process.ErrCodeNotExecutable:
		if userPaths {
			return huma.Error400BadRequest(startErr.Error(), err)
		}
	}
	return huma.Error503ServiceUnavailable(startErr.Error(), err)
}
