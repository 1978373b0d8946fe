package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/stayopen/internal/api/models"
	"github.com/smazurov/stayopen/internal/logging"
)

func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Recent log records kept in memory. Worker output outside a command is recorded when the supervisor logs at debug.",
		Tags:        []string{"system"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.LogsInput) (*models.LogsResponse, error) {
		level, ok := logging.ParseLevel(input.Level)
		if !ok {
			return nil, huma.Error400BadRequest("unknown level " + input.Level)
		}

		entries := logging.History().Query(input.Limit, input.Module, level)
		data := models.LogsData{Entries: make([]models.LogEntryData, 0, len(entries))}
		for _, e := range entries {
			data.Entries = append(data.Entries, models.LogEntryData{
				Time:       e.Time,
				Level:      logging.LevelName(e.Level),
				Module:     e.Module,
				Message:    e.Message,
				Attributes: e.Attributes,
			})
		}
		return &models.LogsResponse{Body: data}, nil
	})
}
