package dipstick

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const prometheusFlushThreshold = 64 * 1024

// Prometheus pushes metric lines to a prometheus push-gateway.
// The push URL is shared between scopes opened from the output.
type Prometheus struct {
	attributes
	pushURL string
	client  *http.Client
}

// PrometheusPushTo makes a prometheus output pushing to the gateway at the
// URL provided. The URL path must include the group identifier labels, e.g.
// `http://pushgateway.example.org:9091/metrics/job/some_job`.
func PrometheusPushTo(pushURL string) (*Prometheus, error) {
	pu, err := url.Parse(pushURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse push URL %q: %w", pushURL, err)
	}
	if pu.Scheme != "http" && pu.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in push URL %q; expecting 'http' or 'https'", pushURL)
	}
	if pu.Host == "" {
		return nil, fmt.Errorf("missing host in push URL %q", pushURL)
	}
	return &Prometheus{
		attributes: newAttributes(),
		pushURL:    pushURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// AddName appends a name to the output's namespace.
// Returns a clone of the output with the updated names.
func (p *Prometheus) AddName(name string) *Prometheus {
	cloned := *p
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Named replaces the output's namespace with a single name.
func (p *Prometheus) Named(name string) *Prometheus {
	cloned := *p
	cloned.naming = NameFrom(name)
	return &cloned
}

// Sampled returns a clone of the output recording values at the given rate.
func (p *Prometheus) Sampled(sampling Sampling) *Prometheus {
	cloned := *p
	cloned.sampling = sampling
	return &cloned
}

// Buffered returns a clone of the output using the given buffering strategy.
func (p *Prometheus) Buffered(buffering Buffering) *Prometheus {
	cloned := *p
	cloned.buffering = buffering
	return &cloned
}

// NewScope opens a new prometheus scope.
func (p *Prometheus) NewScope() OutputScope {
	return &PrometheusScope{
		attributes: p.attributes,
		output:     p,
	}
}

// PrometheusScope formats and pushes metric values to a push-gateway.
type PrometheusScope struct {
	attributes
	buffer strings.Builder
	output *Prometheus
}

// NewMetric precomputes the metric's name and returns the pushing handle.
// Timer values are pushed as raw microseconds.
func (s *PrometheusScope) NewMetric(name MetricName, _ InputKind) *InputMetric {
	prefix := s.prefixPrepend(name).Join("_")
	return sampleMetric(s.Sampling(), NewInputMetric(ForgeID("prometheus", name), func(value MetricValue, labels Labels) {
		s.print(prefix, value, labels)
	}))
}

func (s *PrometheusScope) print(prefix string, value MetricValue, labels Labels) {
	var line strings.Builder
	// prometheus format be like `http_requests_total{method="post",code="200"} 1027`
	line.WriteString(prefix)
	if !labels.IsEmpty() {
		keys := make([]string, 0, len(labels.pairs))
		for k := range labels.pairs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		line.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				line.WriteByte(',')
			}
			line.WriteString(k)
			line.WriteString(`="`)
			line.WriteString(labels.pairs[k])
			line.WriteByte('"')
		}
		line.WriteByte('}')
	}
	line.WriteByte(' ')
	line.WriteString(strconv.FormatInt(value, 10))
	line.WriteByte('\n')

	if s.buffer.Len()+line.Len() > prometheusFlushThreshold {
		prometheusOverflow.Mark()
		logger.Warn().Int("threshold", prometheusFlushThreshold).Msg("prometheus buffer size exceeded")
		if err := s.flushInner(); err != nil {
			logger.Debug().Err(err).Msg("could not push to prometheus")
		}
	}
	s.buffer.WriteString(line.String())

	if !s.isBuffered() {
		if err := s.flushInner(); err != nil {
			logger.Debug().Err(err).Msg("could not push to prometheus")
		}
	}
}

// Flush pushes any buffered lines to the gateway.
func (s *PrometheusScope) Flush() error {
	s.notifyFlushListeners()
	return s.flushInner()
}

func (s *PrometheusScope) flushInner() error {
	if s.buffer.Len() == 0 {
		return nil
	}
	body := s.buffer.String()
	resp, err := s.output.client.Post(s.output.pushURL, "text/plain", strings.NewReader(body))
	if err != nil {
		prometheusSendErr.Mark()
		return fmt.Errorf("cannot push metrics to %q: %w", s.output.pushURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		prometheusSendErr.Mark()
		return fmt.Errorf("unexpected status code in response from %q: %d; expecting 2xx",
			s.output.pushURL, resp.StatusCode)
	}
	prometheusSentBytes.Count(MetricValue(len(body)))
	s.buffer.Reset()
	return nil
}

// Close pushes any remaining buffered lines.
func (s *PrometheusScope) Close() error {
	if err := s.Flush(); err != nil {
		logger.Warn().Err(err).Msg("could not flush prometheus metrics on close")
		return err
	}
	return nil
}
