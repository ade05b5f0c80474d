package httpx

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every API handler replies with. Code is a
// business code, not the HTTP status; clients branch on it.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// OK sends a success envelope with the default message.
func OK(c *gin.Context, data any) {
	OKMsg(c, "success", data)
}

// OKMsg sends a success envelope with a custom message.
func OKMsg(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Fail sends an error envelope with explicit HTTP status and business code.
func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

// FailErr sends an error envelope from an AppError. The wrapped internal
// error is logged, never returned to the client.
func FailErr(c *gin.Context, err *AppError) {
	if err.Err != nil {
		log.Printf("[ERROR] %s (code=%d, internal_err=%v)", err.Message, err.Code, err.Err)
	}

	c.JSON(err.HTTPStatus, Response{
		Code:    err.Code,
		Message: err.Message,
		Data:    err.Data,
	})
}

// ListData is the paged-collection payload inside a success envelope.
type ListData struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
}

// OKItems sends a paged list response.
func OKItems(c *gin.Context, items any, total int64, page, pageSize int) {
	OK(c, ListData{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}
