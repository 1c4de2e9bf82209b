package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/controller"
	"github.com/example/face-verify/internal/decision"
	"github.com/example/face-verify/internal/face"
)

const testJWTSecret = "test-secret"

type stubController struct {
	mu         sync.Mutex
	captured   [][]byte
	capturedBy []string
	matchErr   error
	captureErr error
	resets     int
	crop       *image.NRGBA
	liveResult *controller.Match
}

func (s *stubController) CaptureReference(_ context.Context, src []byte) (*controller.Reference, error) {
	s.mu.Lock()
	s.captured = append(s.captured, src)
	s.mu.Unlock()
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return &controller.Reference{ID: "ref-1", Embedding: face.Embedding{1, 0}, CapturedAt: time.Unix(0, 0)}, nil
}

func (s *stubController) CaptureReferenceURI(_ context.Context, uri string) (*controller.Reference, error) {
	s.mu.Lock()
	s.capturedBy = append(s.capturedBy, uri)
	s.mu.Unlock()
	return &controller.Reference{ID: "ref-uri"}, nil
}

func (s *stubController) MatchAgainst(context.Context, []byte) (*controller.Match, error) {
	if s.matchErr != nil {
		return nil, s.matchErr
	}
	return &controller.Match{Similarity: 0.91, Verdict: decision.Matched, Threshold: 0.7}, nil
}

func (s *stubController) MatchAgainstURI(ctx context.Context, _ string) (*controller.Match, error) {
	return s.MatchAgainst(ctx, nil)
}

func (s *stubController) Reset() { s.resets++ }

func (s *stubController) Snapshot() controller.Snapshot {
	return controller.Snapshot{State: controller.StateReferenceReady, Threshold: 0.7}
}

func (s *stubController) ReferenceCrop() *image.NRGBA { return s.crop }

func (s *stubController) Live(ctx context.Context, frames <-chan []byte, emit controller.LiveEmit) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-frames:
			if !ok {
				return nil
			}
			emit(s.liveResult, nil)
		}
	}
}

func newTestRouter(ctrl Controller) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, ctrl, auth.JWTMiddleware(auth.Config{Secret: testJWTSecret}, zap.NewNop()), zap.NewNop())
	return router
}

func TestCaptureRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&stubController{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/reference", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestMatchRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubController{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/match", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	router := newTestRouter(&stubController{})
	for _, target := range []string{"/state", "/reference/crop"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, resp.Code)
		}
	}

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", resp.Code)
	}
}

func TestCaptureReferenceUpload(t *testing.T) {
	ctrl := &stubController{}
	router := newTestRouter(ctrl)

	payload := pngBytes(t)
	body, contentType := buildMultipartBody(t, "application/octet-stream", payload)
	req := httptest.NewRequest(http.MethodPost, "/reference", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(ctrl.captured) != 1 || !bytes.Equal(ctrl.captured[0], payload) {
		t.Fatal("expected the uploaded bytes to reach the controller")
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["reference_id"] != "ref-1" || out["dim"] != float64(2) {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestCaptureReferenceByURI(t *testing.T) {
	ctrl := &stubController{}
	router := newTestRouter(ctrl)

	form := url.Values{"uri": {"s3://faces/ref.jpg"}}
	req := httptest.NewRequest(http.MethodPost, "/reference", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(ctrl.capturedBy) != 1 || ctrl.capturedBy[0] != "s3://faces/ref.jpg" {
		t.Fatalf("expected uri capture, got %v", ctrl.capturedBy)
	}
}

func TestMatchErrorStatuses(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		failure string
	}{
		{"busy", controller.ErrBusy, http.StatusTooManyRequests, ""},
		{"not ready", controller.ErrNotReady, http.StatusConflict, ""},
		{"no face", fmt.Errorf("controller.match: %w", face.ErrNoFaceDetected), http.StatusUnprocessableEntity, "no_face"},
		{"inference", fmt.Errorf("%w: session", face.ErrInference), http.StatusInternalServerError, "processing_failed"},
		{"ok", nil, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubController{matchErr: tt.err})
			body, contentType := buildMultipartBody(t, "image/png", pngBytes(t))
			req := httptest.NewRequest(http.MethodPost, "/match", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, resp.Code, resp.Body.String())
			}
			var out map[string]any
			if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
				t.Fatal(err)
			}
			if tt.err == nil {
				if out["verdict"] != string(decision.Matched) {
					t.Fatalf("unexpected match body %v", out)
				}
				return
			}
			got, _ := out["failure"].(string)
			if got != tt.failure {
				t.Fatalf("expected failure %q, got %q", tt.failure, got)
			}
		})
	}
}

func TestReferenceCropAndReset(t *testing.T) {
	ctrl := &stubController{}
	router := newTestRouter(ctrl)
	token := buildTestToken(t, "user-123")

	req := httptest.NewRequest(http.MethodGet, "/reference/crop", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without reference, got %d", resp.Code)
	}

	ctrl.crop = image.NewNRGBA(image.Rect(0, 0, 16, 16))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || resp.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("expected jpeg crop, got %d %s", resp.Code, resp.Header().Get("Content-Type"))
	}

	req = httptest.NewRequest(http.MethodDelete, "/reference", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || ctrl.resets != 1 {
		t.Fatalf("expected reset, got %d resets=%d", resp.Code, ctrl.resets)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.White)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
