// Package tileclient fetches raster images from the WMS service and polygon
// collections from the GeoJSON geometry service.
package tileclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // decoders for image.Decode
	_ "image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	_ "golang.org/x/image/webp"

	"github.com/mohammed-shakir/overlay-sync/internal/core/observability"
	"github.com/mohammed-shakir/overlay-sync/internal/core/ogc"
)

const (
	upstreamWMS    = "wms"
	upstreamVector = "vector"

	errBodyLimit = 8 << 10
)

// Raster is a decoded WMS image.
type Raster struct {
	Image       image.Image
	Size        int
	ContentType string
}

type Client struct {
	logger    *slog.Logger
	http      *http.Client
	wmsURL    *url.URL
	vectorURL *url.URL
	cred      ogc.Credentials
	format    string
	startNow  func() time.Time // for tests
}

type Options struct {
	WMSURL      string
	VectorURL   string
	Credentials ogc.Credentials
	Format      string
}

func New(logger *slog.Logger, client *http.Client, opts Options) (*Client, error) {
	wms, err := url.Parse(ogc.Endpoint(opts.WMSURL))
	if err != nil {
		return nil, fmt.Errorf("parse wms url: %w", err)
	}
	vec, err := url.Parse(opts.VectorURL)
	if err != nil {
		return nil, fmt.Errorf("parse vector url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		logger:    logger,
		http:      client,
		wmsURL:    wms,
		vectorURL: vec,
		cred:      opts.Credentials,
		format:    opts.Format,
		startNow:  time.Now,
	}, nil
}

func (c *Client) get(ctx context.Context, base *url.URL, params url.Values, accept, upstream string) ([]byte, string, error) {
	u := *base
	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)

	start := c.startNow()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveUpstreamLatency(upstream, err, time.Since(start).Seconds())
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		err := fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		observability.ObserveUpstreamLatency(upstream, err, time.Since(start).Seconds())
		return nil, "", err
	}

	b, err := io.ReadAll(resp.Body)
	observability.ObserveUpstreamLatency(upstream, err, time.Since(start).Seconds())
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return b, resp.Header.Get("Content-Type"), nil
}

// FetchRaster issues a GetMap request and decodes the returned image. An XML
// or JSON body (a service exception delivered with status 200) is an error.
func (c *Client) FetchRaster(ctx context.Context, q ogc.GetMap) (Raster, error) {
	if q.Format == "" {
		q.Format = c.format
	}
	params := ogc.BuildGetMapParams(q, c.cred)
	c.logger.Debug("wms getmap", "layers", q.Layers, "bbox", q.BBox.String(), "width", q.Width, "height", q.Height)

	b, ct, err := c.get(ctx, c.wmsURL, params, "image/*", upstreamWMS)
	if err != nil {
		return Raster{}, err
	}
	if mt, _, _ := mime.ParseMediaType(ct); mt != "" && !strings.HasPrefix(mt, "image/") {
		return Raster{}, fmt.Errorf("unexpected content type %s: %s", mt, snippet(b))
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return Raster{}, fmt.Errorf("decode image: %w", err)
	}
	return Raster{Image: img, Size: len(b), ContentType: ct}, nil
}

// FetchVector requests a simplified polygon collection.
func (c *Client) FetchVector(ctx context.Context, q ogc.VectorQuery) (*geojson.FeatureCollection, error) {
	if err := ogc.ValidateTable(q.Table); err != nil {
		return nil, err
	}
	params := ogc.BuildVectorParams(q)
	b, _, err := c.get(ctx, c.vectorURL, params, "application/geo+json, application/json", upstreamVector)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	return fc, nil
}

// FetchFeatureInfo runs GetFeatureInfo at pixel (I, J) of the given map.
func (c *Client) FetchFeatureInfo(ctx context.Context, q ogc.GetFeatureInfo) (*geojson.FeatureCollection, error) {
	params := ogc.BuildGetFeatureInfoParams(q, c.cred)
	b, _, err := c.get(ctx, c.wmsURL, params, "application/json", upstreamWMS)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("decode feature info: %w", err)
	}
	return fc, nil
}

type capabilities struct {
	Layers []capLayer `xml:"Capability>Layer"`
}

type capLayer struct {
	Name   string     `xml:"Name"`
	Layers []capLayer `xml:"Layer"`
}

// Capabilities lists the named layers advertised by the WMS service, leaving
// out the service root and very short names.
func (c *Client) Capabilities(ctx context.Context) ([]string, error) {
	b, _, err := c.get(ctx, c.wmsURL, ogc.BuildGetCapabilitiesParams(c.cred), "application/xml, text/xml", upstreamWMS)
	if err != nil {
		return nil, err
	}
	var doc capabilities
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	var out []string
	var walk func([]capLayer)
	walk = func(ls []capLayer) {
		for _, l := range ls {
			name := strings.TrimSpace(l.Name)
			if len(name) > 3 && !strings.Contains(name, "WMS") && name != "VWorldServer" {
				out = append(out, name)
			}
			walk(l.Layers)
		}
	}
	walk(doc.Layers)
	if len(out) == 0 {
		return nil, errors.New("capabilities: no layers advertised")
	}
	return out, nil
}

func snippet(b []byte) string {
	const n = 256
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}
