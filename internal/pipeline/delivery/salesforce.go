package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
)

// SalesforceConfig configures the CRM REST client. When AccessToken and
// InstanceURL are set no login is performed.
type SalesforceConfig struct {
	LoginURL     string
	InstanceURL  string
	APIVersion   string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	AccessToken  string
	Timeout      time.Duration
}

// Salesforce upserts sObjects by external id:
// PATCH /services/data/{version}/sobjects/{Object}/{KeyField}/{Key}.
type Salesforce struct {
	cfg    SalesforceConfig
	http   *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	instanceURL string
}

type sfSession struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
}

type sfError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// NewSalesforce creates the CRM client.
func NewSalesforce(cfg SalesforceConfig, logger *slog.Logger) *Salesforce {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v59.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Salesforce{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
		token:       cfg.AccessToken,
		instanceURL: strings.TrimRight(cfg.InstanceURL, "/"),
	}
}

func (s *Salesforce) Deliver(ctx context.Context, op domain.Operation) error {
	body, err := json.Marshal(op.Fields)
	if err != nil {
		return domain.NewRemoteRejection(op.Name, fmt.Errorf("encode fields: %w", err))
	}

	resp, err := s.upsert(ctx, op, body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		s.logger.Info("Salesforce session expired, logging in again", slog.String("operation", op.Name))
		s.invalidate()
		if resp, err = s.upsert(ctx, op, body); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusBadRequest, http.StatusNotFound:
		return s.rejection(op.Name, resp)
	default:
		return classifyResponse(op.Name, resp)
	}
}

func (s *Salesforce) upsert(ctx context.Context, op domain.Operation, body []byte) (*http.Response, error) {
	token, instance, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/services/data/%s/sobjects/%s/%s/%s",
		instance,
		s.cfg.APIVersion,
		url.PathEscape(op.Object),
		url.PathEscape(op.KeyField),
		url.PathEscape(op.Key),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewTransportError(op.Name, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, classifyTransport(op.Name, err)
	}
	return resp, nil
}

// rejection decodes the Salesforce error array into a RemoteRejection.
func (s *Salesforce) rejection(op string, resp *http.Response) error {
	var errs []sfError
	if err := json.NewDecoder(resp.Body).Decode(&errs); err != nil || len(errs) == 0 {
		return domain.NewRemoteRejection(op, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.ErrorCode + ": " + e.Message
	}
	return domain.NewRemoteRejection(op, errors.New(strings.Join(msgs, "; ")))
}

func (s *Salesforce) session(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.instanceURL != "" {
		return s.token, s.instanceURL, nil
	}

	sess, err := s.login(ctx)
	if err != nil {
		return "", "", err
	}
	s.token = sess.AccessToken
	s.instanceURL = strings.TrimRight(sess.InstanceURL, "/")
	return s.token, s.instanceURL, nil
}

func (s *Salesforce) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// login runs the OAuth username-password flow.
func (s *Salesforce) login(ctx context.Context) (*sfSession, error) {
	if s.cfg.LoginURL == "" {
		return nil, domain.NewTransportError("salesforce_login", errors.New("no access token and no login url configured"))
	}

	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"username":      {s.cfg.Username},
		"password":      {s.cfg.Password},
	}

	endpoint := strings.TrimRight(s.cfg.LoginURL, "/") + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.NewTransportError("salesforce_login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, classifyTransport("salesforce_login", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse("salesforce_login", resp)
	}

	var sess sfSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, domain.NewTransportError("salesforce_login", fmt.Errorf("decode token response: %w", err))
	}
	if sess.AccessToken == "" || sess.InstanceURL == "" {
		return nil, domain.NewTransportError("salesforce_login", errors.New("token response without access_token or instance_url"))
	}

	s.logger.Info("Logged in to Salesforce", slog.String("instance_url", sess.InstanceURL))
	return &sess, nil
}
