package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"LabSync/internal/config"
	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

const listingPath = "/reports"

// Fetcher lists and retrieves report documents through the session manager.
type Fetcher struct {
	sessions *Manager
	cfg      config.PortalConfig
	logger   *slog.Logger
}

var _ ports.DocumentSource = (*Fetcher)(nil)

// NewFetcher wires the session manager and portal settings.
func NewFetcher(sessions *Manager, cfg config.PortalConfig, logger *slog.Logger) *Fetcher {
	return &Fetcher{sessions: sessions, cfg: cfg, logger: logger}
}

// List walks the paginated document listing and returns every visible
// reference, optionally narrowed to one patient. An unparseable first page
// is reported as an error; a later page that fails to parse ends the walk
// with what was collected so far.
func (f *Fetcher) List(ctx context.Context, filter domain.PatientFilter) ([]domain.DocumentRef, error) {
	var refs []domain.DocumentRef

	err := f.sessions.With(ctx, func(ctx context.Context, b ports.Browser) error {
		// Restart cleanly if the session manager retries after re-auth.
		refs = refs[:0]
		seen := map[string]struct{}{}

		page := 1
		for {
			pageURL, err := f.listURL(filter, page)
			if err != nil {
				return err
			}

			if err := b.Navigate(ctx, pageURL); err != nil {
				return fmt.Errorf("%w: navigate listing: %v", domain.ErrUnavailable, err)
			}
			if err := f.checkLoginRedirect(ctx, b); err != nil {
				return err
			}

			html, err := b.Content(ctx)
			if err != nil {
				return fmt.Errorf("%w: read listing page: %v", domain.ErrUnavailable, err)
			}

			pageRefs, hasNext, err := parseListing(html, f.cfg.BaseURL)
			if err != nil {
				// A broken first page means the portal markup drifted for
				// every document; that has to reach the run report. A later
				// bad page ends the walk with what was collected.
				if page == 1 {
					return fmt.Errorf("parse listing page %d: %w", page, err)
				}
				f.debug("listing page unparseable, stopping walk", "page", page, "error", err)
				return nil
			}

			for _, ref := range pageRefs {
				if _, ok := seen[ref.ID]; ok {
					continue
				}
				seen[ref.ID] = struct{}{}
				refs = append(refs, ref)
			}

			if !hasNext || len(pageRefs) == 0 {
				return nil
			}
			page++
		}
	})

	if err != nil {
		return nil, err
	}
	f.debug("listed portal documents", "count", len(refs), "all_patients", filter.All())
	return refs, nil
}

// Fetch retrieves one document. HTML reports come back as rendered page
// source; scanned reports come back as a full-page screenshot for OCR.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.DocumentRef) (domain.RawDocument, error) {
	var doc domain.RawDocument

	err := f.sessions.With(ctx, func(ctx context.Context, b ports.Browser) error {
		if err := b.Navigate(ctx, ref.URL); err != nil {
			return fmt.Errorf("navigate document %s: %w", ref.ID, err)
		}
		if err := f.checkLoginRedirect(ctx, b); err != nil {
			return err
		}

		var body []byte
		switch ref.Kind {
		case domain.KindImage, domain.KindPDF:
			shot, err := b.Screenshot(ctx)
			if err != nil {
				return fmt.Errorf("capture document %s: %w", ref.ID, err)
			}
			body = shot
		default:
			html, err := b.Content(ctx)
			if err != nil {
				return fmt.Errorf("read document %s: %w", ref.ID, err)
			}
			body = []byte(html)
		}

		doc = domain.RawDocument{
			Ref:       ref,
			Kind:      ref.Kind,
			Body:      body,
			FetchedAt: time.Now(),
		}
		return nil
	})

	return doc, err
}

// checkLoginRedirect detects sessions the portal silently dropped. Expiry is
// a property of the response, not a timer alone.
func (f *Fetcher) checkLoginRedirect(ctx context.Context, b ports.Browser) error {
	location, err := b.Location(ctx)
	if err != nil {
		return fmt.Errorf("%w: read location: %v", domain.ErrUnavailable, err)
	}
	if strings.Contains(location, f.cfg.LoginPath) {
		return domain.ErrSessionExpired
	}
	return nil
}

func (f *Fetcher) listURL(filter domain.PatientFilter, page int) (string, error) {
	parsed, err := url.Parse(f.cfg.BaseURL + listingPath)
	if err != nil {
		return "", fmt.Errorf("invalid portal base url: %w", err)
	}

	query := parsed.Query()
	query.Set("page", strconv.Itoa(page))
	if f.cfg.PageSize > 0 {
		query.Set("size", strconv.Itoa(f.cfg.PageSize))
	}
	if filter.MRN != "" {
		query.Set("mrn", filter.MRN)
	}
	if filter.LastName != "" {
		query.Set("name", filter.LastName)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// parseListing extracts document rows and pagination state from one page.
func parseListing(html, baseURL string) ([]domain.DocumentRef, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false, fmt.Errorf("parse listing: %w", err)
	}

	rows := doc.Find("table.documents tbody tr")
	if rows.Length() == 0 && doc.Find("table.documents").Length() == 0 {
		return nil, false, fmt.Errorf("listing table not found")
	}

	var refs []domain.DocumentRef
	rows.Each(func(_ int, row *goquery.Selection) {
		id, _ := row.Attr("data-doc-id")
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}

		link := row.Find("a.doc-link").First()
		href, _ := link.Attr("href")
		if !strings.HasPrefix(href, "http") {
			href = strings.TrimSuffix(baseURL, "/") + href
		}

		kind, _ := row.Attr("data-kind")
		refs = append(refs, domain.DocumentRef{
			ID:           id,
			URL:          href,
			Title:        strings.TrimSpace(link.Text()),
			Kind:         contentKind(kind, href),
			PatientLabel: strings.TrimSpace(row.Find("td.patient").First().Text()),
		})
	})

	hasNext := doc.Find(".pagination a.next").Length() > 0
	return refs, hasNext, nil
}

// contentKind resolves the document kind from the row attribute, falling
// back to the link's file extension.
func contentKind(attr, href string) domain.ContentKind {
	switch strings.ToLower(strings.TrimSpace(attr)) {
	case "html":
		return domain.KindHTML
	case "image":
		return domain.KindImage
	case "pdf":
		return domain.KindPDF
	}

	switch {
	case strings.HasSuffix(href, ".pdf"):
		return domain.KindPDF
	case strings.HasSuffix(href, ".png"), strings.HasSuffix(href, ".jpg"),
		strings.HasSuffix(href, ".jpeg"), strings.HasSuffix(href, ".tiff"):
		return domain.KindImage
	default:
		return domain.KindHTML
	}
}

func (f *Fetcher) debug(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}
