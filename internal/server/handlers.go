package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vmoreau/didgate/internal/classifier"
	"github.com/vmoreau/didgate/internal/features"
	"github.com/vmoreau/didgate/internal/identity"
	"github.com/vmoreau/didgate/internal/logging"
	"github.com/vmoreau/didgate/internal/pipeline"
	"github.com/vmoreau/didgate/internal/validation"
)

type registerRequest struct {
	DID        string               `json:"did" binding:"required"`
	PublicKeys []identity.PublicKey `json:"publicKeys" binding:"required"`
	Quorum     int                  `json:"quorum" binding:"required"`
	Contact    string               `json:"contact"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if verrs := validation.Validate(
		validation.ValidDID("did", req.DID),
		validation.MaxLength("contact", req.Contact, 254),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": verrs.Error()})
		return
	}

	subject := &identity.Subject{
		DID:     req.DID,
		Keys:    req.PublicKeys,
		Quorum:  req.Quorum,
		Contact: req.Contact,
	}
	if err := s.registry.Register(c.Request.Context(), subject); err != nil {
		if errors.Is(err, identity.ErrInvalidQuorum) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("register failed", "did", req.DID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("registered %s with %d keys, quorum %d",
			subject.DID, len(subject.Keys), subject.Quorum),
	})
}

func (s *Server) handleChallenge(c *gin.Context) {
	did := c.Param("did")

	ch, err := s.registry.Issue(c.Request.Context(), did)
	if err != nil {
		if errors.Is(err, identity.ErrSubjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subject not registered"})
			return
		}
		logging.L(c.Request.Context()).Error("challenge issue failed", "did", did, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge issue failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"did":       did,
		"challenge": ch.Nonce,
	})
}

type verifyRequest struct {
	DID        string                    `json:"did" binding:"required"`
	Signatures []identity.SignatureProof `json:"signatures" binding:"required"`
}

// handleVerify runs the full gate: quorum verification, behavioral
// scoring, and the reaction policy. The attempt is recorded in the
// corpus whether or not a model is loaded; when no model exists the
// response carries the quorum outcome alone. A MODERATE decision
// answers 403 just like a CRITICAL block: the session stays withheld
// until the step-up code clears through /auth/mfa/verify.
func (s *Server) handleVerify(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	subject, err := s.registry.Subject(ctx, req.DID)
	if err != nil {
		if errors.Is(err, identity.ErrSubjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subject not registered"})
			return
		}
		logging.L(ctx).Error("subject lookup failed", "did", req.DID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	ch, err := s.registry.Challenge(ctx, req.DID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrChallengeNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "no active challenge, request one first"})
		case errors.Is(err, identity.ErrChallengeExpired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "challenge expired, request a new one"})
		default:
			logging.L(ctx).Error("challenge lookup failed", "did", req.DID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		}
		return
	}

	attempts, err := s.registry.RecordAttempt(ctx, req.DID)
	if err != nil {
		// Challenge vanished between lookup and increment; treat as gone.
		c.JSON(http.StatusBadRequest, gin.H{"error": "no active challenge, request one first"})
		return
	}

	result := s.verifier.Verify(ctx, subject, ch.Nonce, req.Signatures)

	raw := &features.RawAttempt{
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		SourceIP:           c.ClientIP(),
		UserAgent:          c.GetHeader("User-Agent"),
		ResponseTimeMs:     float64(time.Since(start).Microseconds()) / 1000.0,
		Attempts:           attempts,
		SignatureValid:     result.Authenticated,
		DID:                req.DID,
		ValidSignatures:    result.ValidCount,
		RequiredSignatures: result.Required,
	}

	sa, procErr := s.orchestrator.ProcessAttempt(ctx, raw)
	if procErr != nil && !errors.Is(procErr, classifier.ErrModelNotFound) {
		logging.L(ctx).Error("attempt processing failed", "did", req.DID, "error", procErr)
	}

	resp := gin.H{
		"authenticated":      result.Authenticated,
		"validSignatures":    result.ValidCount,
		"requiredSignatures": result.Required,
	}
	if result.Authenticated {
		resp["validKeys"] = result.ValidKeyIDs
	} else {
		resp["reason"] = "quorum not met"
	}

	scored := sa != nil && procErr == nil
	if scored {
		resp["riskTier"] = sa.Decision.Tier
		resp["attackProbability"] = sa.AttackProbability
		if sa.Decision.Actions.RequireMFA {
			resp["mfaRequired"] = true
		}
	}

	if scored && sa.Decision.Actions.Block {
		resp["authenticated"] = false
		if sa.Decision.Actions.RequireMFA {
			resp["reason"] = "step-up verification required"
		} else {
			resp["reason"] = "blocked by risk policy"
		}
		delete(resp, "validKeys")
		c.JSON(http.StatusForbidden, resp)
		return
	}

	if result.Authenticated {
		if err := s.registry.Consume(ctx, req.DID); err != nil {
			logging.L(ctx).Warn("challenge consume failed", "did", req.DID, "error", err)
		}
	}

	c.JSON(http.StatusOK, resp)
}

type mfaVerifyRequest struct {
	DID  string `json:"did" binding:"required"`
	Code string `json:"code" binding:"required"`
}

func (s *Server) handleMFAVerify(c *gin.Context) {
	var req mfaVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ok, err := s.orchestrator.VerifyStepUp(c.Request.Context(), req.DID, req.Code)
	if err != nil {
		logging.L(c.Request.Context()).Error("step-up verify failed", "did", req.DID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verified": ok})
}

func (s *Server) handleListSubjects(c *gin.Context) {
	subjects, err := s.registry.Subjects(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("subject list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}

	out := make([]gin.H, 0, len(subjects))
	for _, sub := range subjects {
		out = append(out, gin.H{
			"did":       sub.DID,
			"keysCount": len(sub.Keys),
			"quorum":    sub.Quorum,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleAnalyze scores a raw attempt submitted directly, outside the
// challenge flow. The attempt still joins the corpus.
func (s *Server) handleAnalyze(c *gin.Context) {
	var raw features.RawAttempt
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if raw.Timestamp == "" {
		raw.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if raw.SourceIP == "" {
		raw.SourceIP = c.ClientIP()
	}

	sa, err := s.orchestrator.ProcessAttempt(c.Request.Context(), &raw)
	if err != nil {
		if errors.Is(err, classifier.ErrModelNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no trained model"})
			return
		}
		logging.L(c.Request.Context()).Error("analyze failed", "did", raw.DID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"prediction": []gin.H{{
			"attackProbability": sa.AttackProbability,
			"isAttackPred":      sa.IsAttackPred,
			"tier":              sa.Decision.Tier,
		}},
	})
}

func (s *Server) handleTrain(c *gin.Context) {
	m, err := s.orchestrator.Train(c.Request.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrNoTrainingData) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no labeled training data"})
			return
		}
		logging.L(c.Request.Context()).Error("training failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "training failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "trained",
		"metrics": m,
	})
}
