package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/richinsley/comfy2video/internal/pkg/config"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

// Published is where a finished video ended up. Exactly one of VideoBase64 or
// URL is set.
type Published struct {
	VideoBase64 string
	Filename    string
	URL         string
	// Demo marks a URL substituted by the opt-in demo fallback.
	Demo bool
}

// Publisher delivers a finished video. A deployment uses exactly one.
type Publisher interface {
	Strategy() string
	Publish(ctx context.Context, data []byte, suggestedName string) (*Published, error)
}

// InlinePublisher returns the video base64 encoded in the response.
type InlinePublisher struct{}

func (InlinePublisher) Strategy() string { return config.PublishInline }

func (InlinePublisher) Publish(_ context.Context, data []byte, suggestedName string) (*Published, error) {
	return &Published{
		VideoBase64: base64.StdEncoding.EncodeToString(data),
		Filename:    SanitizeFilename(suggestedName),
	}, nil
}

// StoragePublisher uploads through a signed-URL storage API:
// POST {base}/storage/v2/upload {"filename"} with bearer auth returns {"url"};
// the bytes are PUT to that URL and the public URL is the signed URL without its query.
type StoragePublisher struct {
	baseURL      string
	apiKey       string
	httpclient   *http.Client
	demoFallback string
	log          *logger.Logger
}

type StorageOption func(*StoragePublisher)

func WithStorageHTTPClient(c *http.Client) StorageOption {
	return func(p *StoragePublisher) { p.httpclient = c }
}

// WithDemoFallback makes upload failures return fallbackURL instead of an error.
// Only for demos; the substitution is logged at error level and flagged on the result.
func WithDemoFallback(fallbackURL string) StorageOption {
	return func(p *StoragePublisher) { p.demoFallback = fallbackURL }
}

func WithStorageLogger(l *logger.Logger) StorageOption {
	return func(p *StoragePublisher) { p.log = l }
}

func NewStoragePublisher(baseURL, apiKey string, opts ...StorageOption) *StoragePublisher {
	p := &StoragePublisher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpclient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logger.Discard()
	}
	p.log = p.log.WithComponent("publisher")
	return p
}

func (p *StoragePublisher) Strategy() string { return config.PublishStorage }

func (p *StoragePublisher) Publish(ctx context.Context, data []byte, suggestedName string) (*Published, error) {
	name := SanitizeFilename(suggestedName)
	publicURL, err := p.upload(ctx, data, name)
	if err != nil {
		if p.demoFallback != "" {
			p.log.Error("storage upload failed, returning demo fallback url", "filename", name, "error", err.Error(), "demo_url", p.demoFallback)
			return &Published{URL: p.demoFallback, Filename: name, Demo: true}, nil
		}
		return nil, err
	}
	p.log.Info("video published", "filename", name, "url", publicURL, "bytes", len(data))
	return &Published{URL: publicURL, Filename: name}, nil
}

func (p *StoragePublisher) upload(ctx context.Context, data []byte, name string) (string, error) {
	signed, err := p.signedURL(ctx, name)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.String(), bytes.NewReader(data))
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUpload, "transfer.StoragePublisher", "build upload request")
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", ContentTypeFromName(name))

	resp, err := p.httpclient.Do(req)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUpload, "transfer.StoragePublisher", "upload to signed url failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", errors.Newf(errors.CodeUpload, "signed url upload returned %d", resp.StatusCode).
			WithField("status", resp.StatusCode).
			WithField("body", string(b))
	}
	return redact(signed), nil
}

func (p *StoragePublisher) signedURL(ctx context.Context, name string) (*url.URL, error) {
	body, _ := json.Marshal(map[string]string{"filename": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/storage/v2/upload", bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUpload, "transfer.StoragePublisher", "build signing request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpclient.Do(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUpload, "transfer.StoragePublisher", "signing request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, errors.Newf(errors.CodeUpload, "signing request returned %d", resp.StatusCode).
			WithField("status", resp.StatusCode).
			WithField("body", string(b))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUpload, "transfer.StoragePublisher", "decode signing response")
	}
	u, err := url.Parse(out.URL)
	if err != nil || out.URL == "" || u.Host == "" {
		return nil, errors.New(errors.CodeUpload, "signing response has no usable url")
	}
	return u, nil
}

// DrivePublisher uploads the video to Google Drive and returns its download link.
type DrivePublisher struct {
	srv      *drive.Service
	folderID string
	log      *logger.Logger
}

func NewDrivePublisher(srv *drive.Service, folderID string, log *logger.Logger) *DrivePublisher {
	if log == nil {
		log = logger.Discard()
	}
	return &DrivePublisher{srv: srv, folderID: folderID, log: log.WithComponent("publisher")}
}

// NewDriveService builds a Drive client from an OAuth refresh token.
func NewDriveService(ctx context.Context, clientID, clientSecret, refreshToken string) (*drive.Service, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	tok := &oauth2.Token{RefreshToken: refreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "transfer.NewDriveService", "create drive service")
	}
	return srv, nil
}

func (p *DrivePublisher) Strategy() string { return config.PublishGDrive }

func (p *DrivePublisher) Publish(ctx context.Context, data []byte, suggestedName string) (*Published, error) {
	name := SanitizeFilename(suggestedName)
	file := &drive.File{Name: name}
	if p.folderID != "" {
		file.Parents = []string{p.folderID}
	}

	created, err := p.srv.Files.Create(file).
		Media(bytes.NewReader(data), googleapi.ContentType(ContentTypeFromName(name))).
		Fields("id", "webContentLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUpload, "transfer.DrivePublisher", "gdrive upload failed").
			WithField("filename", name)
	}

	link := created.WebContentLink
	if link == "" {
		link = fmt.Sprintf("https://drive.google.com/uc?id=%s&export=download", created.Id)
	}
	p.log.Info("video published", "filename", name, "file_id", created.Id, "bytes", len(data))
	return &Published{URL: link, Filename: name}, nil
}

// NewPublisher returns the publisher selected by cfg.Strategy.
func NewPublisher(ctx context.Context, cfg config.PublishConfig, log *logger.Logger) (Publisher, error) {
	switch cfg.Strategy {
	case "", config.PublishInline:
		return InlinePublisher{}, nil
	case config.PublishStorage:
		if cfg.StorageBaseURL == "" || cfg.StorageAPIKey == "" {
			return nil, errors.Validation("storage publishing needs STORAGE_BASE_URL and STORAGE_API_KEY")
		}
		opts := []StorageOption{WithStorageLogger(log)}
		if cfg.DemoFallbackURL != "" {
			opts = append(opts, WithDemoFallback(cfg.DemoFallbackURL))
		}
		return NewStoragePublisher(cfg.StorageBaseURL, cfg.StorageAPIKey, opts...), nil
	case config.PublishGDrive:
		srv, err := NewDriveService(ctx, cfg.GDriveClientID, cfg.GDriveSecret, cfg.GDriveRefresh)
		if err != nil {
			return nil, err
		}
		return NewDrivePublisher(srv, cfg.GDriveFolderID, log), nil
	default:
		return nil, errors.Validationf("unknown publish strategy %q", cfg.Strategy)
	}
}
