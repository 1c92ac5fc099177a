package controllers

import (
	"net/http"
	"strings"

	"chathub/services"

	"github.com/gin-gonic/gin"
)

type ModelController struct {
	catalog *services.CatalogService
}

func NewModelController(catalog *services.CatalogService) *ModelController {
	return &ModelController{catalog: catalog}
}

// GetModels lists the model catalog. Query parameters: active_only=true,
// provider, type.
func (mc *ModelController) GetModels(c *gin.Context) {
	filter := services.ModelFilter{
		ActiveOnly: strings.EqualFold(c.Query("active_only"), "true"),
		Provider:   c.Query("provider"),
		Type:       c.Query("type"),
	}
	list, err := mc.catalog.Models(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}
