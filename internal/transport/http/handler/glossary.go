package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"constructbot/internal/glossary"
	"constructbot/internal/transport/http/response"
)

// GlossaryHandler exposes the knowledge base for the web UI's term
// browser.
type GlossaryHandler struct {
	book *glossary.Book
}

func NewGlossaryHandler(book *glossary.Book) *GlossaryHandler {
	return &GlossaryHandler{book: book}
}

func (h *GlossaryHandler) ListTerms(c *gin.Context) {
	response.OK(c, gin.H{"terms": h.book.Terms()})
}

func (h *GlossaryHandler) LookupTerm(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing q parameter")
		return
	}

	definition, ok := h.book.Lookup(query)
	if !ok {
		response.Error(c, http.StatusNotFound, response.CodeBadRequest, "no matching term")
		return
	}
	response.OK(c, gin.H{"definition": definition})
}
