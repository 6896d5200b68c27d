package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/facts"
)

// bindFingerprint reads the fingerprint from the JSON body on POST and from
// the query string otherwise.
func bindFingerprint(c *gin.Context) (facts.Fingerprint, bool) {
	var fp facts.Fingerprint
	var err error
	if c.Request.Method == http.MethodPost {
		err = c.ShouldBindJSON(&fp)
	} else {
		err = c.ShouldBindQuery(&fp)
	}
	if err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid fingerprint", err))
		return fp, false
	}
	return fp, true
}

// handleResolve returns the summary of the profile for a fingerprint.
func (s *Server) handleResolve(c *gin.Context) {
	fp, ok := bindFingerprint(c)
	if !ok {
		return
	}
	sum, err := s.profiles.Summarize(c.Request.Context(), fp)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// handleLayout returns one bound layout.
func (s *Server) handleLayout(c *gin.Context) {
	fp, ok := bindFingerprint(c)
	if !ok {
		return
	}
	bl, err := s.profiles.Layout(c.Request.Context(), fp, c.Param("name"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, bl)
}

// handleTable returns one bound reference table with its entries.
func (s *Server) handleTable(c *gin.Context) {
	fp, ok := bindFingerprint(c)
	if !ok {
		return
	}
	t, err := s.profiles.Table(c.Request.Context(), fp, c.Param("name"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleSyscalls serves the deprecated two-list view.
func (s *Server) handleSyscalls(c *gin.Context) {
	fp, ok := bindFingerprint(c)
	if !ok {
		return
	}
	sc, err := s.profiles.Syscalls(c.Request.Context(), fp)
	if err != nil {
		handleError(c, err)
		return
	}
	c.Header("Deprecation", "true")
	c.JSON(http.StatusOK, sc)
}

// handleExplain returns the rule graph in D3 format.
func (s *Server) handleExplain(c *gin.Context) {
	fp, ok := bindFingerprint(c)
	if !ok {
		return
	}
	graph, err := s.profiles.Explain(c.Request.Context(), fp, c.Query("skipped") == "true")
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}

// handleRules lists the registered rules.
func (s *Server) handleRules(c *gin.Context) {
	c.JSON(http.StatusOK, s.profiles.Rules())
}

// handleTrace returns the logged override trace of a profile.
func (s *Server) handleTrace(c *gin.Context) {
	trace, err := s.profiles.Trace(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

// handleDecode decodes a base64 descriptor table image.
func (s *Server) handleDecode(c *gin.Context) {
	var req struct {
		Fingerprint facts.Fingerprint `json:"fingerprint"`
		Data        []byte            `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	out, err := s.profiles.DecodeTable(c.Request.Context(), req.Fingerprint, req.Data)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"descriptors": out})
}

func handleError(c *gin.Context, err error) {
	appErr := errors.MapError(err)
	body := gin.H{"error": appErr.Message}
	if len(appErr.Hints) > 0 {
		body["hints"] = appErr.Hints
	}
	c.JSON(appErr.Code, body)
}
