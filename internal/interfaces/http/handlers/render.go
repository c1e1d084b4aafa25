package handlers

import (
	"github.com/gin-gonic/gin"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// errorBody is the Anthropic-style error envelope served on every failure.
type errorBody struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// renderError maps a gateway error to its HTTP status and wire shape.
func renderError(c *gin.Context, err error) {
	status := gwerrors.HTTPStatus(err)
	c.JSON(status, errorBody{
		Type: "error",
		Error: errorDetail{
			Type:    gwerrors.WireType(err),
			Message: err.Error(),
		},
	})
}
