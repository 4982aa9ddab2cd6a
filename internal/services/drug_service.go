package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"cds-agent/internal/config"
	"cds-agent/internal/models"
	"cds-agent/internal/pkg/logger"
)

// DrugService checks medication pairs against RxNorm interactions and
// OpenFDA adverse-event co-reports. Each upstream sits behind its own
// circuit breaker; calls inside a closed breaker are retried with
// exponential backoff.
type DrugService struct {
	config     config.DrugAPIConfig
	httpClient *http.Client
	logger     *logger.Logger

	rxnormBreaker  *gobreaker.CircuitBreaker
	openfdaBreaker *gobreaker.CircuitBreaker
}

func NewDrugService(cfg config.DrugAPIConfig, log *logger.Logger) *DrugService {
	service := &DrugService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: log,
	}

	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}
	}

	service.rxnormBreaker = gobreaker.NewCircuitBreaker(settings("rxnorm"))
	service.openfdaBreaker = gobreaker.NewCircuitBreaker(settings("openfda"))

	return service
}

// CheckInteractions resolves the given medication names and collects
// interactions from both upstreams. Partial upstream failure degrades to
// a warning; only when every source fails does it return an error.
func (service *DrugService) CheckInteractions(ctx context.Context, medications []string) ([]models.DrugInteraction, []string, error) {
	startTime := time.Now()

	var warnings []string
	var interactions []models.DrugInteraction

	resolved := map[string]string{}
	for _, name := range medications {
		rxcui, err := service.resolveRxCUI(ctx, name)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("could not resolve %q in RxNorm", name))
			continue
		}
		resolved[name] = rxcui
	}

	rxnormOK := false
	if len(resolved) >= 2 {
		rxnormInteractions, err := service.checkRxNorm(ctx, resolved)
		if err != nil {
			service.logger.WithError(err).Warn("RxNorm interaction lookup failed")
			warnings = append(warnings, "RxNorm interaction data unavailable")
		} else {
			rxnormOK = true
			interactions = append(interactions, rxnormInteractions...)
		}
	}

	openfdaOK := false
	openfdaFailed := false
	for i := 0; i < len(medications); i++ {
		for j := i + 1; j < len(medications); j++ {
			interaction, err := service.checkOpenFDA(ctx, medications[i], medications[j])
			if err != nil {
				openfdaFailed = true
				continue
			}
			openfdaOK = true
			if interaction != nil {
				interactions = append(interactions, *interaction)
			}
		}
	}
	if openfdaFailed && !openfdaOK {
		warnings = append(warnings, "OpenFDA adverse event data unavailable")
	}

	if !rxnormOK && !openfdaOK && len(medications) >= 2 {
		err := models.NewServiceError("DRUG_SERVICE", "all drug interaction sources unavailable")
		service.logger.LogService("drug_apis", "check_interactions", time.Since(startTime), map[string]interface{}{
			"medications": len(medications),
		}, err)
		return nil, warnings, err
	}

	interactions = dedupeInteractions(interactions)

	service.logger.LogService("drug_apis", "check_interactions", time.Since(startTime), map[string]interface{}{
		"medications":  len(medications),
		"interactions": len(interactions),
		"warnings":     len(warnings),
	}, nil)

	return interactions, warnings, nil
}

type rxcuiResponse struct {
	IDGroup struct {
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

func (service *DrugService) resolveRxCUI(ctx context.Context, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/rxcui.json?search=2&name=%s", service.config.RxNormBaseURL, url.QueryEscape(name))

	payload, err := service.fetchWithBreaker(ctx, service.rxnormBreaker, endpoint)
	if err != nil {
		return "", err
	}

	var decoded rxcuiResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decoding rxcui response: %w", err)
	}
	if len(decoded.IDGroup.RxNormID) == 0 {
		return "", fmt.Errorf("no rxcui found for %q", name)
	}
	return decoded.IDGroup.RxNormID[0], nil
}

type rxnormInteractionResponse struct {
	FullInteractionTypeGroup []struct {
		FullInteractionType []struct {
			InteractionPair []struct {
				Description        string `json:"description"`
				Severity           string `json:"severity"`
				InteractionConcept []struct {
					MinConceptItem struct {
						Name string `json:"name"`
					} `json:"minConceptItem"`
				} `json:"interactionConcept"`
			} `json:"interactionPair"`
		} `json:"fullInteractionType"`
	} `json:"fullInteractionTypeGroup"`
}

func (service *DrugService) checkRxNorm(ctx context.Context, resolved map[string]string) ([]models.DrugInteraction, error) {
	rxcuis := make([]string, 0, len(resolved))
	for _, rxcui := range resolved {
		rxcuis = append(rxcuis, rxcui)
	}
	sort.Strings(rxcuis)

	endpoint := fmt.Sprintf("%s/interaction/list.json?rxcuis=%s",
		service.config.RxNormBaseURL, url.QueryEscape(strings.Join(rxcuis, " ")))

	payload, err := service.fetchWithBreaker(ctx, service.rxnormBreaker, endpoint)
	if err != nil {
		return nil, err
	}

	var decoded rxnormInteractionResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decoding interaction response: %w", err)
	}

	var interactions []models.DrugInteraction
	for _, group := range decoded.FullInteractionTypeGroup {
		for _, interactionType := range group.FullInteractionType {
			for _, pair := range interactionType.InteractionPair {
				if len(pair.InteractionConcept) < 2 {
					continue
				}
				interactions = append(interactions, models.DrugInteraction{
					DrugA:       pair.InteractionConcept[0].MinConceptItem.Name,
					DrugB:       pair.InteractionConcept[1].MinConceptItem.Name,
					Severity:    MapInteractionSeverity(pair.Severity),
					Description: pair.Description,
					Source:      "RxNorm",
				})
			}
		}
	}
	return interactions, nil
}

type openfdaCountResponse struct {
	Meta struct {
		Results struct {
			Total int `json:"total"`
		} `json:"results"`
	} `json:"meta"`
}

// checkOpenFDA counts adverse event reports naming both drugs. A count
// above the configured threshold is surfaced as a moderate interaction.
func (service *DrugService) checkOpenFDA(ctx context.Context, drugA, drugB string) (*models.DrugInteraction, error) {
	query := fmt.Sprintf(`patient.drug.medicinalproduct:"%s"+AND+patient.drug.medicinalproduct:"%s"`,
		strings.ToUpper(drugA), strings.ToUpper(drugB))
	endpoint := fmt.Sprintf("%s/drug/event.json?search=%s&limit=1", service.config.OpenFDABaseURL, query)
	if service.config.OpenFDAAPIKey != "" {
		endpoint += "&api_key=" + url.QueryEscape(service.config.OpenFDAAPIKey)
	}

	payload, err := service.fetchWithBreaker(ctx, service.openfdaBreaker, endpoint)
	if err != nil {
		return nil, err
	}

	var decoded openfdaCountResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decoding openfda response: %w", err)
	}

	if decoded.Meta.Results.Total <= service.config.MinReportThreshold {
		return nil, nil
	}

	return &models.DrugInteraction{
		DrugA:    drugA,
		DrugB:    drugB,
		Severity: models.SeverityModerate,
		Description: fmt.Sprintf("%d adverse event reports mention both %s and %s",
			decoded.Meta.Results.Total, drugA, drugB),
		ClinicalSignificance: "co-reported adverse events, review for causality",
		Source:               "OpenFDA",
	}, nil
}

func (service *DrugService) fetchWithBreaker(ctx context.Context, breaker *gobreaker.CircuitBreaker, endpoint string) ([]byte, error) {
	operation := func() ([]byte, error) {
		result, err := breaker.Execute(func() (interface{}, error) {
			return service.fetch(ctx, endpoint)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return result.([]byte), nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(service.config.MaxTries)),
	)
}

func (service *DrugService) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := service.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// OpenFDA returns 404 for a zero-hit search.
	if resp.StatusCode == http.StatusNotFound {
		return []byte(`{}`), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	return io.ReadAll(resp.Body)
}

// MapInteractionSeverity normalizes upstream severity labels.
func MapInteractionSeverity(raw string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high", "severe", "serious", "contraindicated":
		return models.SeverityHigh
	case "moderate", "significant":
		return models.SeverityModerate
	case "low", "minor":
		return models.SeverityLow
	default:
		return models.SeverityModerate
	}
}

// dedupeInteractions keeps the first interaction seen for each unordered
// drug pair. RxNorm results precede OpenFDA results in the input, so
// curated data wins over co-report counts.
func dedupeInteractions(interactions []models.DrugInteraction) []models.DrugInteraction {
	seen := map[string]bool{}
	out := make([]models.DrugInteraction, 0, len(interactions))
	for _, interaction := range interactions {
		key := PairKey(interaction.DrugA, interaction.DrugB)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, interaction)
	}
	return out
}

// PairKey returns a canonical key for an unordered drug pair.
func PairKey(drugA, drugB string) string {
	a := strings.ToLower(strings.TrimSpace(drugA))
	b := strings.ToLower(strings.TrimSpace(drugB))
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (service *DrugService) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := service.resolveRxCUI(checkCtx, "aspirin")
	if err != nil {
		return models.NewServiceError("DRUG_SERVICE", "health check failed").WithCause(err)
	}
	return nil
}
