package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/providers"
)

// Credential handlers. Responses always carry masked secrets; the raw
// values never leave the store.

func credentialHTTPError(err error) error {
	switch {
	case errors.Is(err, costdb.ErrCredentialNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, costdb.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listPrincipals(c echo.Context) error {
	list, err := s.deps.Credentials.List(c.Request().Context())
	if err != nil {
		return credentialHTTPError(err)
	}
	masked := lo.Map(list, func(sp costdb.ServicePrincipal, _ int) costdb.ServicePrincipal {
		return sp.Masked()
	})
	return c.JSON(http.StatusOK, masked)
}

func (s *Server) createPrincipal(c echo.Context) error {
	var sp costdb.ServicePrincipal
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !lo.Contains(providers.KnownProviders, sp.Provider) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown provider: "+sp.Provider)
	}

	created, err := s.deps.Credentials.Create(c.Request().Context(), sp)
	if err != nil {
		return credentialHTTPError(err)
	}
	return c.JSON(http.StatusCreated, created.Masked())
}

func (s *Server) getPrincipal(c echo.Context) error {
	sp, err := s.deps.Credentials.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return credentialHTTPError(err)
	}
	return c.JSON(http.StatusOK, sp.Masked())
}

// updatePrincipal updates the credential fields; a status value in the
// body additionally drives the state machine, which is the only path by
// which a user disables or re-enables a credential.
func (s *Server) updatePrincipal(c echo.Context) error {
	ctx := c.Request().Context()

	var sp costdb.ServicePrincipal
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sp.ID = c.Param("id")
	requested := sp.Status

	updated, err := s.deps.Credentials.Update(ctx, sp)
	if err != nil {
		return credentialHTTPError(err)
	}

	if requested != "" && requested != updated.Status {
		updated, err = s.deps.Credentials.SetStatus(ctx, sp.ID, requested)
		if err != nil {
			return credentialHTTPError(err)
		}
	}
	return c.JSON(http.StatusOK, updated.Masked())
}

func (s *Server) deletePrincipal(c echo.Context) error {
	if err := s.deps.Credentials.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return credentialHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// testPrincipal runs a live collection with the credential and records the
// outcome on it, same as an ingestion cycle would.
func (s *Server) testPrincipal(c echo.Context) error {
	ctx := c.Request().Context()

	sp, err := s.deps.Credentials.Get(ctx, c.Param("id"))
	if err != nil {
		return credentialHTTPError(err)
	}

	_, collectErr := s.deps.Aggregator.CollectOne(ctx, sp.Provider, s.currentWindow())
	updated, err := s.deps.Credentials.MarkSyncResult(ctx, sp.ID, s.deps.Clock.Now(), collectErr)
	if err != nil {
		return credentialHTTPError(err)
	}

	body := map[string]interface{}{
		"success":   collectErr == nil,
		"principal": updated.Masked(),
	}
	if collectErr != nil {
		body["error"] = collectErr.Error()
		if ce, ok := providers.AsCollectorError(collectErr); ok {
			body["kind"] = string(ce.Kind)
		}
	}
	return c.JSON(http.StatusOK, body)
}
