package config

import (
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ToleranceBucket applies to zoom levels up to and including MaxZoom.
// The catch-all bucket uses MaxZoom = math.MaxInt.
type ToleranceBucket struct {
	MaxZoom   int
	Tolerance float64
}

type HitEventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	H3Res   int
	Queue   int
}

type Config struct {
	Addr      string
	LogLevel  string
	LogSample int

	WMSURL       string
	WMSKey       string
	WMSDomain    string
	RasterFormat string
	VectorURL    string
	HTTPTimeout  time.Duration
	CatalogPath  string

	SurfaceWidth  int
	SurfaceHeight int
	IdleDebounce  time.Duration
	LoopQueue     int

	VectorPad        float64
	VectorLimit      int
	VectorRetain     int
	ToleranceBuckets []ToleranceBucket

	CenterLat float64
	CenterLng float64
	Zoom      int

	HitEvents HitEventsCfg
}

const defaultBuckets = "10=0.0006,12=0.00025,14=0.00012,*=0.00005"

func FromEnv() Config {
	lat, lng := parseCenter(getenv("MAP_CENTER", "37.5665,126.9780"))

	buckets := ParseToleranceBuckets(getenv("VECTOR_TOLERANCE_BUCKETS", defaultBuckets))
	if len(buckets) == 0 {
		buckets = ParseToleranceBuckets(defaultBuckets)
	}

	pad := getfloat("VECTOR_PAD", 1.25)
	if pad <= 0 {
		pad = 1.25
	}

	return Config{
		Addr:      getenv("ADDR", ":8090"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogSample: getint("LOG_SAMPLE_N", 0),

		WMSURL:       getenv("WMS_URL", "https://api.vworld.kr/req/wms"),
		WMSKey:       getenv("WMS_KEY", ""),
		WMSDomain:    getenv("WMS_DOMAIN", "localhost"),
		RasterFormat: getenv("RASTER_FORMAT", "image/png"),
		VectorURL:    getenv("VECTOR_URL", "http://localhost:8787/api/geo/upis"),
		HTTPTimeout:  getduration("HTTP_TIMEOUT", 30*time.Second),
		CatalogPath:  getenv("LAYER_CATALOG", ""),

		SurfaceWidth:  positive(getint("SURFACE_WIDTH", 1024), 1024),
		SurfaceHeight: positive(getint("SURFACE_HEIGHT", 768), 768),
		IdleDebounce:  getduration("IDLE_DEBOUNCE", 120*time.Millisecond),
		LoopQueue:     positive(getint("LOOP_QUEUE", 256), 256),

		VectorPad:        pad,
		VectorLimit:      getint("VECTOR_LIMIT", 20000),
		VectorRetain:     positive(getint("VECTOR_RETAIN", 32), 32),
		ToleranceBuckets: buckets,

		CenterLat: lat,
		CenterLng: lng,
		Zoom:      getint("MAP_ZOOM", 14),

		HitEvents: HitEventsCfg{
			Enabled: getbool("HIT_EVENTS_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("HIT_EVENTS_TOPIC", "viewport-hits"),
			H3Res:   getint("HIT_EVENTS_H3_RES", 8),
			Queue:   getint("HIT_EVENTS_QUEUE", 1024),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func positive(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// parse "lat,lng"; falls back to Seoul city hall
func parseCenter(s string) (float64, float64) {
	const defLat, defLng = 37.5665, 126.9780
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return defLat, defLng
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return defLat, defLng
	}
	return lat, lng
}

// parse "10=0.0006,12=0.00025,*=0.00005" into buckets sorted by zoom
func ParseToleranceBuckets(s string) []ToleranceBucket {
	var out []ToleranceBucket
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		tol, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || tol < 0 {
			continue
		}
		zoom := math.MaxInt
		if k != "*" {
			z, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			zoom = z
		}
		out = append(out, ToleranceBucket{MaxZoom: zoom, Tolerance: tol})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MaxZoom < out[j].MaxZoom })
	return out
}
