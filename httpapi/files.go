package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scobru/shogun-relay-sub014/authgate"
	"github.com/scobru/shogun-relay-sub014/sharelink"
)

type linkCreateBody struct {
	FileID       string `json:"fileId"`
	Password     string `json:"password,omitempty"`
	ExpiresInSec int64  `json:"expiresInSec,omitempty"`
	MaxDownloads int    `json:"maxDownloads,omitempty"`
	Description  string `json:"description,omitempty"`
}

func (s *Server) handleLinkCreate(c *gin.Context) {
	var body linkCreateBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "malformed body: "+err.Error())
		return
	}
	l, err := s.links.Create(c.Request.Context(), sharelink.CreateRequest{
		FileID:       body.FileID,
		Password:     body.Password,
		ExpiresInSec: body.ExpiresInSec,
		MaxDownloads: body.MaxDownloads,
		Description:  body.Description,
		CreatedBy:    c.GetString(ownerKey),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"token":    l.Token,
		"shareUrl": "/api/files/share/" + l.Token,
		"link":     linkView(l),
	})
}

// linkView strips the sensitive fields before the link leaves the relay.
func linkView(l *sharelink.Link) gin.H {
	return gin.H{
		"token":         l.Token,
		"fileName":      l.FileName,
		"fileSize":      l.FileSize,
		"protected":     l.PasswordHash != "",
		"expiresAt":     l.ExpiresAt,
		"maxDownloads":  l.MaxDownloads,
		"downloadCount": l.DownloadCount,
	}
}

func (s *Server) handleLinkAccess(c *gin.Context) {
	res, err := s.links.Access(c.Request.Context(), c.Param("token"), c.Query("password"))
	if err != nil {
		writeError(c, err)
		return
	}
	switch res.Source {
	case sharelink.SourceLocal:
		if res.FileMime != "" {
			c.Header("Content-Type", res.FileMime)
		}
		c.FileAttachment(res.LocalPath, res.FileName)
	case sharelink.SourceGateway:
		c.Redirect(http.StatusFound, res.RedirectURL)
	}
}

func (s *Server) handleLinkInfo(c *gin.Context) {
	info, err := s.links.Info(c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleLinkRevoke(c *gin.Context) {
	token := authgate.ExtractToken(c.GetHeader("Authorization"), c.GetHeader("token"))
	var (
		admin  bool
		caller string
	)
	if authgate.IsAPIKey(token) {
		owner, err := s.gate.VerifyKey(token, c.ClientIP())
		if err != nil {
			writeError(c, err)
			return
		}
		caller = owner
	} else {
		if err := s.gate.VerifyAdmin(token, c.ClientIP()); err != nil {
			writeError(c, err)
			return
		}
		admin = true
	}
	if err := s.links.Revoke(c.Request.Context(), c.Param("token"), caller, admin); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
