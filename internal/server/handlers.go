package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"taskpilot/internal/auth"
	"taskpilot/internal/credential"
	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	"taskpilot/internal/provider/detect"
	"taskpilot/internal/provider/factory"
	"taskpilot/internal/translator"
)

func decodeAndValidate[T any](c echo.Context, target *T) error {
	if err := decodeRequestBody(c, target); err != nil {
		return err
	}
	if err := translator.Validate(target); err != nil {
		return validationError(err)
	}
	return nil
}

func providerParam(c echo.Context) (models.ProviderID, error) {
	raw := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	id, ok := models.ParseProviderID(raw)
	if !ok {
		return "", provider.NewError(provider.KindUnsupportedProvider, id, fmt.Sprintf("Provider %s is not supported", raw), nil)
	}
	return id, nil
}

func (s *Server) handleListProviders(c echo.Context) error {
	ids := s.deps.Factory.SupportedProviders()
	infos := make([]factory.ProviderInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.deps.Factory.ProviderInfo(id)
		if err != nil {
			return toHTTPError(err)
		}
		infos = append(infos, info)
	}
	return c.JSON(http.StatusOK, map[string]any{"providers": infos})
}

func (s *Server) handleGetProvider(c echo.Context) error {
	id, err := providerParam(c)
	if err != nil {
		return toHTTPError(err)
	}
	info, err := s.deps.Factory.ProviderInfo(id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleDetect(c echo.Context) error {
	var req translator.KeyRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}

	id, ok := detect.Detect(req.APIKey)
	if !ok {
		return toHTTPError(provider.NewError(provider.KindUnknownProvider, "", "Unable to determine AI provider from API key format", nil))
	}
	return c.JSON(http.StatusOK, translator.DetectResponse{Provider: id, ProviderName: id.DisplayName()})
}

func (s *Server) handleTestConnection(c echo.Context) error {
	var req translator.TestConnectionRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}
	result := s.deps.Assistant.TestKey(c.Request().Context(), req.APIKey, models.ProviderID(req.Provider))
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListKeys(c echo.Context) error {
	keys, err := s.deps.Credentials.List(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handlePutKey(c echo.Context) error {
	id, err := providerParam(c)
	if err != nil {
		return toHTTPError(err)
	}
	var req translator.KeyRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	userID := auth.UserID(c)
	if err := s.deps.Credentials.Put(ctx, userID, id, req.APIKey); err != nil {
		return toHTTPError(err)
	}
	s.logger.Info().Str("user_id", userID).Str("provider", string(id)).Str("key", credential.Preview(strings.TrimSpace(req.APIKey))).Msg("stored API key")

	keys, err := s.deps.Credentials.List(ctx, userID)
	if err != nil {
		return toHTTPError(err)
	}
	for _, k := range keys {
		if k.Provider == id {
			return c.JSON(http.StatusOK, k)
		}
	}
	return toHTTPError(credential.ErrNotFound)
}

func (s *Server) handleDeleteKey(c echo.Context) error {
	id, err := providerParam(c)
	if err != nil {
		return toHTTPError(err)
	}
	if err := s.deps.Credentials.Delete(c.Request().Context(), auth.UserID(c), id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTestKey(c echo.Context) error {
	id, err := providerParam(c)
	if err != nil {
		return toHTTPError(err)
	}
	result, err := s.deps.Assistant.TestCredential(c.Request().Context(), auth.UserID(c), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleTestAllKeys(c echo.Context) error {
	results, err := s.deps.Assistant.TestAllCredentials(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleGetSettings(c echo.Context) error {
	settings, err := s.deps.Assistant.Settings(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutSettings(c echo.Context) error {
	var req translator.SettingsRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}
	settings, err := s.deps.Assistant.UpdateSettings(c.Request().Context(), auth.UserID(c), req.ToUpdate())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, settings)
}

func (s *Server) handleChat(c echo.Context) error {
	var req translator.ChatRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}

	resp, err := s.deps.Assistant.Chat(c.Request().Context(), auth.UserID(c), req.ToAssistant())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromAssistantChat(resp))
}

func (s *Server) handleListConversations(c echo.Context) error {
	list, err := s.deps.Assistant.Conversations(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleGetConversation(c echo.Context) error {
	detail, err := s.deps.Assistant.Conversation(c.Request().Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleSuggest(c echo.Context) error {
	var req translator.SuggestRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}
	out, err := s.deps.Assistant.SuggestForTask(c.Request().Context(), auth.UserID(c), req.ToAssistant())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleBreakdown(c echo.Context) error {
	var req translator.BreakdownRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}
	out, err := s.deps.Assistant.BreakdownTask(c.Request().Context(), auth.UserID(c), req.ToAssistant())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}
