package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tidemark/internal/repair"
)

type submitRepairRequest struct {
	RepairToken string `json:"repair_token"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

func (s *Server) SubmitRepair(c *gin.Context) {
	var req submitRepairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if strings.TrimSpace(req.Password) == "" {
		AbortWithError(c, newValidationError("password", "required", "password is required"))
		return
	}

	result, err := s.repairSvc.Submit(c.Request.Context(), repair.SubmitRequest{
		AccountID:   strings.TrimSpace(c.Param("id")),
		RepairToken: req.RepairToken,
		Username:    req.Username,
		Password:    req.Password,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetRepairStatus(c *gin.Context) {
	status, err := s.repairSvc.Status(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}
