package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
)

func knowledgeStatus(err error) error {
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	case errors.Is(err, knowledge.ErrMissingSourceID),
		errors.Is(err, knowledge.ErrMissingContent),
		errors.Is(err, knowledge.ErrMissingURI),
		errors.Is(err, knowledge.ErrUnsupportedType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func (s *Server) handleListSources(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	sources, err := s.deps.Knowledge.ListSources(c.Request().Context(), owner)
	if err != nil {
		return knowledgeStatus(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "sources": sources})
}

func (s *Server) handleCreateSource(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	var req knowledge.CreateSourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.deps.Knowledge.CreateSource(c.Request().Context(), owner, req)
	if err != nil {
		return knowledgeStatus(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"ok": true, "source_id": id})
}

func (s *Server) handleUpload(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	defer f.Close()

	result, err := s.deps.Knowledge.UploadFile(c.Request().Context(), owner, knowledge.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Reader:      f,
	}, c.FormValue("associate_to"))
	if err != nil {
		if errors.Is(err, knowledge.ErrAssociateTargetNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "associate target not found")
		}
		return knowledgeStatus(err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) handleGetView(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	view, err := s.deps.Knowledge.GetView(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return knowledgeStatus(err)
	}
	return c.JSON(http.StatusOK, view)
}

// UpdateSourceRequest is the body of PATCH /api/v1/knowledge/:id.
type UpdateSourceRequest struct {
	Title   *string            `json:"title"`
	URI     *string            `json:"uri"`
	Content *string            `json:"content"`
	Meta    knowledge.Metadata `json:"meta"`
}

func (s *Server) handleUpdateSource(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	var req UpdateSourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err = s.deps.Knowledge.UpdateSource(c.Request().Context(), owner, c.Param("id"), knowledge.UpdateFields{
		Title:   req.Title,
		URI:     req.URI,
		Content: req.Content,
		Meta:    req.Meta,
	})
	if err != nil {
		return knowledgeStatus(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRemoveSource(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Knowledge.RemoveSource(c.Request().Context(), owner, c.Param("id")); err != nil {
		return knowledgeStatus(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReindex(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	result, err := s.deps.Knowledge.ReindexSource(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return knowledgeStatus(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleServeFile(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	res, err := s.deps.Knowledge.GetFileForServing(
		c.Request().Context(), owner, c.Param("id"), c.QueryParam("format"))
	if err != nil {
		if errors.Is(err, knowledge.ErrFileNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return knowledgeStatus(err)
	}
	if res.Mode == knowledge.ServeHTML {
		return c.HTML(http.StatusOK, res.HTML)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, res.ContentDisposition)
	c.Response().Header().Set(echo.HeaderContentType, res.MediaType)
	return c.File(res.Path)
}

func (s *Server) handleDownload(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	info, err := s.deps.Knowledge.GetDownloadInfo(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		if errors.Is(err, knowledge.ErrFileNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return knowledgeStatus(err)
	}
	return c.Attachment(info.SavedPath, info.Filename)
}

// SearchRequest is the body of POST /api/v1/search.
type SearchRequest struct {
	Query       string   `json:"query"`
	SourceIDs   []string `json:"source_ids"`
	SourceTypes []string `json:"source_types"`
	TopN        int      `json:"top_n"`
}

func (s *Server) handleSearch(c echo.Context) error {
	owner, err := s.ownerID(c)
	if err != nil {
		return err
	}
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	hits, err := s.deps.Search.Search(c.Request().Context(), owner, req.Query, retrieval.Options{
		SourceIDs:   req.SourceIDs,
		SourceTypes: req.SourceTypes,
		TopN:        req.TopN,
	})
	if err != nil {
		s.logger.Error("search failed", zap.String("owner_id", owner), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "hits": hits})
}
