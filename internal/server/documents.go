package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	documentdomain "github.com/smallbiznis/factura/internal/document/domain"
)

func (s *Server) CreateDocument(c *gin.Context) {
	var req documentdomain.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	doc, err := s.documentSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) ListDocuments(c *gin.Context) {
	var req documentdomain.ListDocumentRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.documentSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetDocument(c *gin.Context) {
	doc, err := s.documentSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) UpdateDocument(c *gin.Context) {
	var req documentdomain.UpdateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	doc, err := s.documentSvc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) DeleteDocument(c *gin.Context) {
	if err := s.documentSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) SendDocument(c *gin.Context) {
	doc, err := s.documentSvc.Send(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

type markPaidRequest struct {
	PaidAt *time.Time `json:"paid_at"`
}

// MarkDocumentPaid is the operator's manual settlement path, used for bank
// transfers and other out-of-band payments.
func (s *Server) MarkDocumentPaid(c *gin.Context) {
	var req markPaidRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	doc, err := s.documentSvc.MarkPaid(c.Request.Context(), c.Param("id"), req.PaidAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) CancelDocument(c *gin.Context) {
	doc, err := s.documentSvc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) AcceptQuote(c *gin.Context) {
	doc, err := s.documentSvc.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) DeclineQuote(c *gin.Context) {
	doc, err := s.documentSvc.Decline(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) ConvertQuote(c *gin.Context) {
	invoice, err := s.documentSvc.ConvertToInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

func (s *Server) RefundDocument(c *gin.Context) {
	var req documentdomain.RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	doc, err := s.documentSvc.Refund(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}
