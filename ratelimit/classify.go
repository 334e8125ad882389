package ratelimit

import (
	"net/url"
	"strings"
)

// Fingerprint is the quota identity of one request URL: which router,
// service, and method it hits, and the window limits that police it.
// Either window may be nil when the method does not carry that dimension.
type Fingerprint struct {
	Endpoint string
	Router   string
	Service  string
	Method   string
	Seconds  *WindowLimit
	Minutes  *WindowLimit
}

// Classify resolves a request URL into its quota fingerprint. It is
// deterministic, side-effect-free, and never touches the store.
func Classify(endpoint string) (*Fingerprint, error) {
	router, err := routerFor(endpoint)
	if err != nil {
		return nil, err
	}
	service, err := serviceFor(endpoint)
	if err != nil {
		return nil, err
	}

	path := pathFor(endpoint)
	for _, mq := range quotaCatalog[service] {
		if !mq.pattern.MatchString(path) {
			continue
		}
		limits, ok := mq.routers[router]
		if !ok {
			limits, ok = mq.routers["default"]
		}
		if !ok {
			return nil, &UnknownRouterError{Endpoint: endpoint, Router: router, Method: mq.method}
		}
		return &Fingerprint{
			Endpoint: endpoint,
			Router:   router,
			Service:  service,
			Method:   mq.method,
			Seconds:  limits.seconds,
			Minutes:  limits.minutes,
		}, nil
	}
	return nil, &UnknownMethodError{Endpoint: endpoint, Service: service}
}

// routerFor extracts the leftmost hostname label, lowercased. The upstream
// docs call this the "region"; rate limits are enforced per router.
func routerFor(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "", &UnknownRouterError{Endpoint: endpoint}
	}
	return strings.ToLower(strings.SplitN(u.Hostname(), ".", 2)[0]), nil
}

// serviceFor detects the API family by path substring, in fixed priority
// order. Extending the catalog with a service that shares path fragments
// requires slotting it before the fragment it shadows.
func serviceFor(endpoint string) (string, error) {
	path := strings.ToLower(pathFor(endpoint))
	switch {
	case strings.Contains(path, "/lol/summoner/v4") || strings.Contains(path, "/fulfillment/v1"):
		return ServiceSummoner, nil
	case strings.Contains(path, "/lol/league/v4"):
		return ServiceLeague, nil
	case strings.Contains(path, "/lol/league-exp/v4"):
		return ServiceLeagueExp, nil
	case strings.Contains(path, "/riot/account/v1"):
		return ServiceAccount, nil
	case strings.Contains(path, "/lol/match/v5/"):
		return ServiceMatch, nil
	case strings.Contains(path, "lol/champion-mastery/v4"):
		return ServiceChampionMastery, nil
	}
	return "", &UnknownServiceError{Endpoint: endpoint}
}

func pathFor(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	path := u.Path
	if path == "" {
		path = endpoint
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
