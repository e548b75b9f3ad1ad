package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"gwascoloc/models"
	"gwascoloc/pkg/contentstore"
	"gwascoloc/pkg/ingest"
	"gwascoloc/pkg/queue"
	"gwascoloc/pkg/reconcile"
)

// app holds the process-wide dependencies, constructed once in main and
// passed to every handler.
type app struct {
	db      *gorm.DB
	queues  *queue.Queues
	store   *contentstore.Store
	gateway *ingest.Gateway
	engine  *reconcile.Engine
}

func setupRoutes(r *gin.Engine, a *app) {
	r.POST("/register", a.registerHandler)
	r.POST("/login", a.loginHandler)
	r.POST("/refresh", a.refreshHandler)
	r.POST("/revoke_refresh", a.revokeRefreshHandler)
	r.GET("/health", a.healthHandler)

	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.GET("/me", meHandler)
	authGroup.POST("/uploads", a.uploadHandler)
	authGroup.GET("/uploads", a.listUploadsHandler)
	authGroup.GET("/uploads/:guid", a.getUploadHandler)
	// worker callbacks
	authGroup.POST("/uploads/:guid/complete", a.completeUploadHandler)
	authGroup.POST("/uploads/:guid/fail", a.failUploadHandler)

	admin := r.Group("/admin")
	admin.Use(jwtAuthMiddleware(), requireAdmin())
	admin.GET("/dlq/:queue", a.listDLQHandler)
	admin.POST("/dlq/:queue/retry/:guid", a.retryDLQHandler)
	admin.POST("/dlq/:queue/retry_all", a.retryAllDLQHandler)
	admin.DELETE("/dlq/:queue", a.clearDLQHandler)
	admin.POST("/uploads/:guid/rerun", a.rerunHandler)
	admin.DELETE("/uploads/:guid", a.deleteUploadHandler)
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		role, _ := claims["role"].(string)
		c.Set("username", username)
		if role != "" {
			c.Set("role", role)
		}
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := c.Get("role"); role != "administrator" {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func meHandler(c *gin.Context) {
	usernameVal, _ := c.Get("username")
	if usernameVal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": usernameVal.(string)})
}

// getUserFromContext fetches the currently authenticated user using the username set by jwtAuthMiddleware
func (a *app) getUserFromContext(c *gin.Context) (*models.User, bool) {
	unameVal, _ := c.Get("username")
	if unameVal == nil {
		return nil, false
	}
	var user models.User
	if err := a.db.Where("username = ?", unameVal.(string)).First(&user).Error; err != nil {
		return nil, false
	}
	return &user, true
}

func (a *app) registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.RegisterUser(req.Username, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func (a *app) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := a.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := a.db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(time.Hour * 24).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	refreshToken, err := a.createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "refresh_token": refreshToken})
}

// createAndStoreRefreshToken generates a random refresh token, stores its hash with expiry and returns the raw token string
func (a *app) createAndStoreRefreshToken(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	h := sha256.Sum256([]byte(token))
	rt := models.RefreshToken{UserID: userID, TokenHash: hex.EncodeToString(h[:]), ExpiresAt: time.Now().Add(30 * 24 * time.Hour)}
	if err := a.db.Create(&rt).Error; err != nil {
		return "", err
	}
	return token, nil
}

// helper to find refresh token record by raw token string
func (a *app) findRefreshTokenByRaw(token string) (*models.RefreshToken, error) {
	h := sha256.Sum256([]byte(token))
	var rt models.RefreshToken
	if err := a.db.Where("token_hash = ?", hex.EncodeToString(h[:])).First(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

// refreshHandler exchanges a refresh token for a new access token and rotates the refresh token
func (a *app) refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := a.findRefreshTokenByRaw(req.RefreshToken)
	if err != nil || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	var user models.User
	if err := a.db.First(&user, rt.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := a.db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(15 * time.Minute).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	// rotate refresh token: revoke existing and create new one
	a.db.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked", true)
	newRT, err := a.createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": newRT})
}

// revokeRefreshHandler revokes a given refresh token (useful on logout)
func (a *app) revokeRefreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := a.findRefreshTokenByRaw(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "refresh token not found"})
		return
	}
	rt.Revoked = true
	if err := a.db.Save(rt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refresh token revoked"})
}

// uploadHandler ingests a multipart GWAS upload: the summary statistics
// file plus a JSON metadata part. Byte-identical re-uploads return the
// existing record, not a conflict.
func (a *app) uploadHandler(c *gin.Context) {
	user, ok := a.getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var meta queue.StudyMetadata
	metaStr := c.PostForm("metadata")
	if metaStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metadata missing"})
		return
	}
	if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed metadata"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}
	defer f.Close()

	up, created, err := a.gateway.Ingest(f, meta, &user.ID)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidMetadata):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ingest.ErrQueueUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload could not be queued, retry later"})
		default:
			log.WithError(err).WithField("op", "ingest").Error("upload failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": up, "created": created})
}

// listUploadsHandler returns recent uploads; admin sees all, others their own.
func (a *app) listUploadsHandler(c *gin.Context) {
	role, _ := c.Get("role")
	user, ok := a.getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var uploads []models.GwasUpload
	q := a.db.Model(&models.GwasUpload{})
	if role != "administrator" {
		q = q.Where("user_id = ?", user.ID)
	}
	if err := q.Order("id desc").Limit(100).Find(&uploads).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, uploads)
}

// getUploadHandler returns the upload's status; once COMPLETED the response
// also carries the reconciled extraction and coloc rows.
func (a *app) getUploadHandler(c *gin.Context) {
	guid := c.Param("guid")
	var up models.GwasUpload
	if err := a.db.Where("guid = ?", guid).First(&up).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if up.Status != models.StatusCompleted {
		c.JSON(http.StatusOK, gin.H{"upload": up})
		return
	}

	var extractions []models.UploadStudyExtraction
	if err := a.db.Where("upload_guid = ?", guid).Order("position").Find(&extractions).Error; err != nil {
		log.WithError(err).WithFields(log.Fields{"guid": guid, "op": "status"}).Error("result query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
		return
	}
	var colocs []models.UploadColoc
	if err := a.db.Where("upload_guid = ?", guid).Find(&colocs).Error; err != nil {
		log.WithError(err).WithFields(log.Fields{"guid": guid, "op": "status"}).Error("result query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
		return
	}
	var pairs []models.UploadColocPair
	if err := a.db.Where("upload_guid = ?", guid).Find(&pairs).Error; err != nil {
		log.WithError(err).WithFields(log.Fields{"guid": guid, "op": "status"}).Error("result query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
		return
	}

	canonIDs := make([]int64, 0)
	for _, cl := range colocs {
		if cl.StudyExtractionID != nil {
			canonIDs = append(canonIDs, *cl.StudyExtractionID)
		}
	}
	for _, p := range pairs {
		if p.StudyExtractionID != nil {
			canonIDs = append(canonIDs, *p.StudyExtractionID)
		}
	}
	canonical := []models.StudyExtraction{}
	if len(canonIDs) > 0 {
		if err := a.db.Where("id IN ?", canonIDs).Find(&canonical).Error; err != nil {
			log.WithError(err).WithFields(log.Fields{"guid": guid, "op": "status"}).Error("result query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"upload":                      up,
		"study_extractions":           extractions,
		"canonical_study_extractions": canonical,
		"colocs":                      colocs,
		"coloc_pairs":                 pairs,
	})
}

// completeUploadHandler is the worker callback delivering reconciliation input.
func (a *app) completeUploadHandler(c *gin.Context) {
	guid := c.Param("guid")
	var req struct {
		StudyExtractions []reconcile.ExtractionInput `json:"study_extractions"`
		Colocs           []reconcile.ColocInput      `json:"colocs"`
		ColocPairs       []reconcile.ColocPairInput  `json:"coloc_pairs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	up, report, err := a.engine.Complete(guid, req.StudyExtractions, req.Colocs, req.ColocPairs)
	if err != nil {
		if errors.Is(err, reconcile.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
			return
		}
		log.WithError(err).WithFields(log.Fields{"guid": guid, "op": "complete"}).Error("reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": up, "report": report})
}

// failUploadHandler is the worker callback recording a processing failure.
func (a *app) failUploadHandler(c *gin.Context) {
	guid := c.Param("guid")
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	up, err := a.engine.Fail(guid, req.Reason)
	if err != nil {
		if errors.Is(err, reconcile.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": up})
}

func (a *app) listDLQHandler(c *gin.Context) {
	guids, err := a.queues.ListDLQIdentifiers(c.Param("queue"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identifiers": guids})
}

func (a *app) retryDLQHandler(c *gin.Context) {
	ok, err := a.queues.RetryByIdentifier(c.Param("queue"), c.Param("guid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no dead-letter entry for identifier"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": c.Param("guid")})
}

func (a *app) retryAllDLQHandler(c *gin.Context) {
	count, err := a.queues.RetryAll(c.Param("queue"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": count})
}

func (a *app) clearDLQHandler(c *gin.Context) {
	ok, err := a.queues.Clear(c.Param("queue"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": ok})
}

// rerunHandler re-enqueues a terminal upload's original payload. The upload
// goes back to PROCESSING so pollers see it as in-flight again; this is the
// only path that regresses a terminal status.
func (a *app) rerunHandler(c *gin.Context) {
	guid := c.Param("guid")
	var up models.GwasUpload
	if err := a.db.Where("guid = ?", guid).First(&up).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if up.Status == models.StatusProcessing {
		c.JSON(http.StatusConflict, gin.H{"error": "upload is still processing"})
		return
	}
	var mapping map[string]string
	if up.ColumnMapping != "" {
		if err := json.Unmarshal([]byte(up.ColumnMapping), &mapping); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stored metadata unreadable"})
			return
		}
	}
	prevStatus, prevReason := up.Status, up.FailedReason
	if err := a.db.Model(&up).
		Updates(map[string]interface{}{"status": models.StatusProcessing, "failed_reason": ""}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset status"})
		return
	}
	item := queue.WorkItem{
		Version:  1,
		GUID:     up.GUID,
		FilePath: up.FilePath,
		Metadata: queue.StudyMetadata{
			Name:           up.Name,
			Ancestry:       up.Ancestry,
			SampleSize:     up.SampleSize,
			Category:       up.Category,
			ReferenceBuild: up.ReferenceBuild,
			ColumnMapping:  mapping,
		},
	}
	ok, err := a.queues.Push(queue.UploadQueue, item)
	if err != nil || !ok {
		a.db.Model(&up).Updates(map[string]interface{}{"status": prevStatus, "failed_reason": prevReason})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rerun could not be queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guid": guid, "status": models.StatusProcessing})
}

// deleteUploadHandler purges an upload: queue and DLQ traces, derived rows,
// the upload record and the stored content.
func (a *app) deleteUploadHandler(c *gin.Context) {
	guid := c.Param("guid")
	var up models.GwasUpload
	if err := a.db.Where("guid = ?", guid).First(&up).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if err := a.queues.RemoveByIdentifier(queue.UploadQueue, guid); err != nil {
		log.WithError(err).WithFields(log.Fields{"guid": guid, "op": "delete"}).Warn("queue trace removal failed")
	}
	err := a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("upload_guid = ?", guid).Delete(&models.UploadColocPair{}).Error; err != nil {
			return err
		}
		if err := tx.Where("upload_guid = ?", guid).Delete(&models.UploadColoc{}).Error; err != nil {
			return err
		}
		if err := tx.Where("upload_guid = ?", guid).Delete(&models.UploadStudyExtraction{}).Error; err != nil {
			return err
		}
		return tx.Where("guid = ?", guid).Delete(&models.GwasUpload{}).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if err := a.store.Remove(guid); err != nil {
		log.WithError(err).WithFields(log.Fields{"guid": guid, "op": "delete"}).Warn("content removal failed")
	}
	c.JSON(http.StatusOK, gin.H{"deleted": guid})
}

// healthHandler reports database reachability and work queue depth. Queue
// inspection goes through Peek so the check never consumes an item.
func (a *app) healthHandler(c *gin.Context) {
	sqlDB, err := a.db.DB()
	if err != nil || sqlDB.Ping() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
		return
	}
	depth, err := a.queues.Len(queue.UploadQueue)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "queue unreachable"})
		return
	}
	head, _ := a.queues.Peek(queue.UploadQueue, 0, 0)
	resp := gin.H{"status": "ok", "queue_depth": depth}
	if len(head) > 0 {
		resp["oldest_guid"] = head[0].GUID
	}
	c.JSON(http.StatusOK, resp)
}
