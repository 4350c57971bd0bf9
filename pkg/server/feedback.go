package server

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelgateway/relay/pkg/apierror"
)

// feedbackTokenTTL bounds how long after a run feedback can be posted.
const feedbackTokenTTL = 30 * 24 * time.Hour

// FeedbackSigner issues and verifies the HMAC tokens that let end users post
// feedback on a run without an API key.
type FeedbackSigner struct {
	secret []byte
}

func NewFeedbackSigner(secret string) *FeedbackSigner {
	return &FeedbackSigner{secret: []byte(secret)}
}

type feedbackClaims struct {
	RunID     string `json:"run_id"`
	TenantUID int64  `json:"tenant_uid"`
	jwt.RegisteredClaims
}

// Sign issues a token for the run.
func (f *FeedbackSigner) Sign(runID string, tenantUID int64) (string, error) {
	claims := feedbackClaims{
		RunID:     runID,
		TenantUID: tenantUID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(feedbackTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
}

// Verify checks the token and returns the run it covers.
func (f *FeedbackSigner) Verify(token string) (runID string, tenantUID int64, err error) {
	var claims feedbackClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return f.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", 0, apierror.Wrap(err, apierror.KindAuthentication, "invalid feedback token")
	}
	return claims.RunID, claims.TenantUID, nil
}

// handleFeedback accepts end-user feedback authenticated solely by the run's
// feedback token.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.feedback == nil {
		writeError(w, apierror.New(apierror.KindBadRequest, "feedback is not enabled"))
		return
	}

	var req struct {
		FeedbackToken string `json:"feedback_token"`
		Outcome       string `json:"outcome"`
		Comment       string `json:"comment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch req.Outcome {
	case "positive", "negative":
	default:
		writeError(w, apierror.Newf(apierror.KindBadRequest, "invalid outcome %q", req.Outcome))
		return
	}

	runID, tenantUID, err := s.feedback.Verify(req.FeedbackToken)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.GetRun(r.Context(), tenantUID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, apierror.Newf(apierror.KindRunNotFound, "unknown run %q", runID))
		return
	}

	// runs are immutable; feedback is logged for downstream consumers
	s.logger.Info("run feedback received",
		"run_id", runID, "tenant_uid", tenantUID,
		"outcome", req.Outcome, "comment", req.Comment)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
