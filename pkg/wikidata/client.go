// Package wikidata queries the Wikidata SPARQL endpoint for death facts.
package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultEndpoint = "https://query.wikidata.org/sparql"

// Client looks up a person's death facts on Wikidata.
type Client interface {
	// DeathFacts resolves facts for an entity id (Q123) or, when qid is
	// empty, for a human with the given label and date of death.
	DeathFacts(ctx context.Context, q Query) (*DeathFacts, error)
}

// Query identifies the person to look up.
type Query struct {
	QID       string
	Name      string
	DeathDate time.Time
	IMDbID    string
}

// DeathFacts is the flattened result of the SPARQL query.
type DeathFacts struct {
	QID            string
	Causes         []string
	MannerOfDeath  string
	PlaceOfDeath   string
	Spouses        []string
	WikipediaTitle string
	WikipediaURL   string
}

// Empty reports whether no fact was found.
func (f *DeathFacts) Empty() bool {
	return f == nil || (len(f.Causes) == 0 && f.PlaceOfDeath == "" && f.MannerOfDeath == "")
}

// StatusError is a non-200 response from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wikidata: unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Option configures the client.
type Option func(*httpClient)

// WithEndpoint overrides the SPARQL endpoint (for testing).
func WithEndpoint(u string) Option {
	return func(c *httpClient) {
		c.endpoint = u
	}
}

// WithUserAgent sets the User-Agent Wikimedia requires of bots.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	endpoint  string
	userAgent string
	http      *http.Client
}

// NewClient creates a Wikidata SPARQL client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		endpoint:  defaultEndpoint,
		userAgent: "deadonfilm-enricher/1.0",
		http:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var qidRe = regexp.MustCompile(`^Q[0-9]+$`)
var imdbRe = regexp.MustCompile(`^nm[0-9]+$`)

// BuildQuery renders the SPARQL text for q.
func BuildQuery(q Query) (string, error) {
	var subject string
	switch {
	case q.QID != "":
		if !qidRe.MatchString(q.QID) {
			return "", eris.Errorf("wikidata: invalid entity id %q", q.QID)
		}
		subject = fmt.Sprintf("VALUES ?person { wd:%s }", q.QID)
	case q.IMDbID != "":
		if !imdbRe.MatchString(q.IMDbID) {
			return "", eris.Errorf("wikidata: invalid imdb id %q", q.IMDbID)
		}
		subject = fmt.Sprintf(`?person wdt:P345 "%s" .`, q.IMDbID)
	case q.Name != "" && !q.DeathDate.IsZero():
		subject = fmt.Sprintf(`?person wdt:P31 wd:Q5 ; rdfs:label "%s"@en ; wdt:P570 ?dod .
  FILTER(YEAR(?dod) = %d && MONTH(?dod) = %d && DAY(?dod) = %d)`,
			escapeLiteral(q.Name), q.DeathDate.Year(), int(q.DeathDate.Month()), q.DeathDate.Day())
	default:
		return "", eris.New("wikidata: query needs an entity id, imdb id, or name and death date")
	}

	return fmt.Sprintf(`SELECT ?person ?causeLabel ?mannerLabel ?placeLabel ?spouseLabel ?article WHERE {
  %s
  OPTIONAL { ?person wdt:P509 ?cause . }
  OPTIONAL { ?person wdt:P1196 ?manner . }
  OPTIONAL { ?person wdt:P20 ?place . }
  OPTIONAL { ?person wdt:P26 ?spouse . }
  OPTIONAL { ?article schema:about ?person ; schema:isPartOf <https://en.wikipedia.org/> . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
} LIMIT 50`, subject), nil
}

func escapeLiteral(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ")
	return r.Replace(s)
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

type sparqlValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c *httpClient) DeathFacts(ctx context.Context, q Query) (*DeathFacts, error) {
	text, err := BuildQuery(q)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("query", text)
	form.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/sparql-results+json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "wikidata: read response")
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed sparqlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "wikidata: unmarshal response")
	}
	return flatten(parsed), nil
}

// flatten folds the SPARQL rows (one per combination of optional matches)
// into one record, keeping the first person matched.
func flatten(r sparqlResponse) *DeathFacts {
	facts := &DeathFacts{}
	seenCause := map[string]bool{}
	seenSpouse := map[string]bool{}

	for _, row := range r.Results.Bindings {
		person := row["person"].Value
		if person == "" {
			continue
		}
		qid := person[strings.LastIndex(person, "/")+1:]
		if facts.QID == "" {
			facts.QID = qid
		} else if facts.QID != qid {
			continue
		}

		if v := label(row, "causeLabel"); v != "" && !seenCause[v] {
			seenCause[v] = true
			facts.Causes = append(facts.Causes, v)
		}
		if v := label(row, "spouseLabel"); v != "" && !seenSpouse[v] {
			seenSpouse[v] = true
			facts.Spouses = append(facts.Spouses, v)
		}
		if facts.MannerOfDeath == "" {
			facts.MannerOfDeath = label(row, "mannerLabel")
		}
		if facts.PlaceOfDeath == "" {
			facts.PlaceOfDeath = label(row, "placeLabel")
		}
		if facts.WikipediaURL == "" {
			if a := row["article"].Value; a != "" {
				facts.WikipediaURL = a
				if t, err := url.PathUnescape(a[strings.LastIndex(a, "/")+1:]); err == nil {
					facts.WikipediaTitle = strings.ReplaceAll(t, "_", " ")
				}
			}
		}
	}
	return facts
}

// label returns a binding's label, dropping unlabeled entity ids the label
// service echoes back (e.g. "Q12345").
func label(row map[string]sparqlValue, key string) string {
	v := strings.TrimSpace(row[key].Value)
	if qidRe.MatchString(v) {
		return ""
	}
	return v
}
