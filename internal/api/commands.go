package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/stayopen/internal/api/models"
	"github.com/smazurov/stayopen/internal/process"
)

func (s *Server) registerCommandRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "submit-command",
		Method:        http.MethodPost,
		Path:          "/api/commands",
		Summary:       "Submit Command",
		Description:   "Queue an argument list for the worker. Completion is announced on the event stream as command-completed; fetch the result with the returned id.",
		Tags:          []string{"commands"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{400, 401, 503},
	}, func(_ context.Context, input *models.CommandRequest) (*models.CommandSubmitResponse, error) {
		if len(input.Body.Args) == 0 {
			return nil, huma.Error400BadRequest("args must not be empty")
		}

		action := process.ActionNone
		if input.Body.Action != "" {
			a, err := process.ParseAction(input.Body.Action)
			if err != nil {
				return nil, huma.Error400BadRequest(err.Error(), err)
			}
			action = a
		}

		id := s.client.SubmitAsync(process.StringArgs(input.Body.Args...), action)
		if id == 0 {
			return nil, huma.Error503ServiceUnavailable("worker is not accepting commands (state " + string(s.client.Info().State) + ")")
		}
		return &models.CommandSubmitResponse{
			Body: models.CommandSubmitData{ID: id, Action: action.String()},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-command-result",
		Method:      http.MethodGet,
		Path:        "/api/commands/{id}",
		Summary:     "Take Result",
		Description: "Return and remove the result of a completed command. A second request for the same id is a 404.",
		Tags:        []string{"commands"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.CommandIDInput) (*models.CommandResultResponse, error) {
		r, ok := s.client.GetResult(input.ID)
		if !ok {
			return nil, huma.Error404NotFound("no result for command")
		}
		return &models.CommandResultResponse{Body: resultData(r)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "discard-command-result",
		Method:        http.MethodDelete,
		Path:          "/api/commands/{id}",
		Summary:       "Discard Result",
		Description:   "Drop the stored result of a completed command without reading it. 404 when there is no stored result.",
		Tags:          []string{"commands"},
		Security:      withAuth(),
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{401, 404},
	}, func(_ context.Context, input *models.CommandIDInput) (*struct{}, error) {
		if !s.client.Discard(input.ID) {
			return nil, huma.Error404NotFound("no result for command")
		}
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "wait-command-result",
		Method:      http.MethodGet,
		Path:        "/api/commands/{id}/wait",
		Summary:     "Wait For Result",
		Description: "Block until the command completes or the timeout elapses, then take the result",
		Tags:        []string{"commands"},
		Security:    withAuth(),
		Errors:      []int{401, 504},
	}, func(ctx context.Context, input *models.CommandWaitInput) (*models.CommandResultResponse, error) {
		timeout := time.Duration(input.TimeoutMs) * time.Millisecond
		r := s.client.WaitForResult(ctx, input.ID, timeout)
		if r.WaitTimedOut {
			if r.Err != nil && errors.Is(r.Err, context.Canceled) {
				return nil, huma.Error504GatewayTimeout("request cancelled", r.Err)
			}
			return nil, huma.Error504GatewayTimeout("command did not complete in time")
		}
		return &models.CommandResultResponse{Body: resultData(r)}, nil
	})
}

// resultData converts a Result. Output that is not valid UTF-8, such as
// binary tag values, is sent base64 encoded.
func resultData(r process.Result) models.CommandResultData {
	data := models.CommandResultData{
		ID:             r.CommandID,
		Action:         r.Action.String(),
		Status:         r.Status.String(),
		ElapsedMs:      float64(r.Elapsed.Microseconds()) / 1000,
		Output:         string(r.Output),
		Diagnostic:     string(r.Diagnostic),
		OutputEncoding: "utf8",
		Instance:       r.Instance,
	}
	if !utf8.Valid(r.Output) || !utf8.Valid(r.Diagnostic) {
		data.Output = base64.StdEncoding.EncodeToString(r.Output)
		data.Diagnostic = base64.StdEncoding.EncodeToString(r.Diagnostic)
		data.OutputEncoding = "base64"
	}
	if r.Err != nil {
		data.Error = r.Err.Error()
	}
	return data
}
