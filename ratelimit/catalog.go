package ratelimit

import "regexp"

// Upstream API families subject to rate limiting.
const (
	ServiceSummoner        = "SUMMONER-V4"
	ServiceLeague          = "LEAGUE-V4"
	ServiceLeagueExp       = "LEAGUE-EXP-V4"
	ServiceAccount         = "ACCOUNT-V1"
	ServiceMatch           = "MATCH-V5"
	ServiceChampionMastery = "CHAMPION-MASTERY-V4"
)

// WindowLimit is one sliding-window quota: at most Limit admissions per
// Window seconds.
type WindowLimit struct {
	Limit  int `json:"limit"`
	Window int `json:"window"`
}

type routerLimits struct {
	seconds *WindowLimit
	minutes *WindowLimit
}

// methodQuota describes one upstream endpoint: a canonical identifier used
// as a key fragment, an anchored pattern over the full URL path, and the
// window limits per router.
type methodQuota struct {
	method  string
	pattern *regexp.Regexp
	routers map[string]routerLimits
}

// Platform routers host per-region game data; regional routers aggregate
// them. MATCH-V5 additionally serves sea; ACCOUNT-V1 does not.
var (
	platformRouters = []string{
		"na1", "br1", "la1", "la2", "euw1", "eun1", "tr1", "ru",
		"me1", "jp1", "kr", "oc1", "sg2", "tw2", "vn2",
	}
	regionalRouters = []string{"americas", "asia", "europe"}
	// Every MATCH-V5 shard shares one quota shape; the default entry
	// covers match URLs issued against a platform router.
	matchRouters = []string{"americas", "asia", "europe", "sea", "default"}
)

func secondsOnly(limit, window int) routerLimits {
	return routerLimits{seconds: &WindowLimit{Limit: limit, Window: window}}
}

func dual(secondsLimit, secondsWindow, minutesLimit, minutesWindow int) routerLimits {
	return routerLimits{
		seconds: &WindowLimit{Limit: secondsLimit, Window: secondsWindow},
		minutes: &WindowLimit{Limit: minutesLimit, Window: minutesWindow},
	}
}

// uniform assigns the same limits to every listed router.
func uniform(routers []string, rl routerLimits) map[string]routerLimits {
	m := make(map[string]routerLimits, len(routers))
	for _, r := range routers {
		m[r] = rl
	}
	return m
}

// perRouterSeconds builds a seconds-only table with a distinct limit per
// router over a shared window.
func perRouterSeconds(window int, limits map[string]int) map[string]routerLimits {
	m := make(map[string]routerLimits, len(limits))
	for r, limit := range limits {
		m[r] = secondsOnly(limit, window)
	}
	return m
}

func withOverrides(base map[string]routerLimits, overrides map[string]routerLimits) map[string]routerLimits {
	for r, rl := range overrides {
		base[r] = rl
	}
	return base
}

// Summoner lookups share one per-platform quota shape.
var summonerLookupLimits = map[string]int{
	"na1": 2000, "br1": 1300, "la1": 1000, "la2": 1000,
	"euw1": 2000, "eun1": 1600, "tr1": 1300, "ru": 600,
	"me1": 1000, "jp1": 800, "kr": 2000, "oc1": 800,
	"sg2": 1000, "tw2": 1000, "vn2": 1000,
}

// quotaCatalog is the static table of every policed upstream method. Order
// within a service is significant: classification returns the first
// matching pattern.
var quotaCatalog = map[string][]methodQuota{
	ServiceSummoner: {
		{
			method:  "/lol/summoner/v4/summoners/by-account",
			pattern: regexp.MustCompile(`^/lol/summoner/v4/summoners/by-account/([^/]+)$`),
			routers: perRouterSeconds(60, summonerLookupLimits),
		},
		{
			method:  "/lol/summoner/v4/summoners/by-puuid",
			pattern: regexp.MustCompile(`^/lol/summoner/v4/summoners/by-puuid/([^/]+)$`),
			routers: perRouterSeconds(60, summonerLookupLimits),
		},
		{
			method:  "/lol/summoner/v4/summoners/me",
			pattern: regexp.MustCompile(`^/lol/summoner/v4/summoners/me$`),
			routers: map[string]routerLimits{
				"na1": dual(20000, 10, 1200000, 600),
			},
		},
		{
			method:  "/lol/summoner/v4/summoners",
			pattern: regexp.MustCompile(`^/lol/summoner/v4/summoners/([^/]+)$`),
			routers: perRouterSeconds(60, summonerLookupLimits),
		},
		{
			method:  "/fulfillment/v1/summoners/by-puuid",
			pattern: regexp.MustCompile(`^/fulfillment/v1/summoners/by-puuid/([^/]+)$`),
			routers: uniform(platformRouters, dual(20000, 10, 1200000, 600)),
		},
	},
	ServiceLeague: {
		{
			method:  "/lol/league/v4/challengerleagues/by-queue",
			pattern: regexp.MustCompile(`^/lol/league/v4/challengerleagues/by-queue/([^/]+)$`),
			routers: uniform(platformRouters, dual(30, 10, 500, 600)),
		},
		{
			method:  "/lol/league/v4/leagues",
			pattern: regexp.MustCompile(`^/lol/league/v4/leagues/([^/]+)$`),
			routers: uniform(platformRouters, secondsOnly(500, 10)),
		},
		{
			method:  "/lol/league/v4/masterleagues/by-queue",
			pattern: regexp.MustCompile(`^/lol/league/v4/masterleagues/by-queue/([^/]+)$`),
			routers: uniform(platformRouters, dual(30, 10, 500, 600)),
		},
		{
			method:  "/lol/league/v4/grandmasterleagues/by-queue",
			pattern: regexp.MustCompile(`^/lol/league/v4/grandmasterleagues/by-queue/([^/]+)$`),
			routers: uniform(platformRouters, dual(30, 10, 500, 600)),
		},
		{
			method:  "/lol/league/v4/entries/by-puuid",
			pattern: regexp.MustCompile(`^/lol/league/v4/entries/by-puuid/([^/]+)$`),
			routers: withOverrides(
				uniform(platformRouters, dual(20000, 10, 1200000, 600)),
				map[string]routerLimits{"vn2": secondsOnly(300, 60)},
			),
		},
		{
			method:  "/lol/league/v4/entries",
			pattern: regexp.MustCompile(`^/lol/league/v4/entries/([^/]+)/([^/]+)/([^/]+)$`),
			routers: uniform(platformRouters, secondsOnly(50, 10)),
		},
	},
	ServiceLeagueExp: {
		{
			method:  "/lol/league-exp/v4/entries",
			pattern: regexp.MustCompile(`^/lol/league-exp/v4/entries/([^/]+)/([^/]+)/([^/]+)$`),
			routers: uniform(platformRouters, secondsOnly(50, 10)),
		},
	},
	ServiceAccount: {
		{
			method:  "/riot/account/v1/accounts/by-riot-id",
			pattern: regexp.MustCompile(`^/riot/account/v1/accounts/by-riot-id/([^/]+)/([^/]+)$`),
			routers: uniform(regionalRouters, secondsOnly(1000, 60)),
		},
		{
			method:  "/riot/account/v1/accounts/by-puuid",
			pattern: regexp.MustCompile(`^/riot/account/v1/accounts/by-puuid/([^/]+)$`),
			routers: uniform(regionalRouters, secondsOnly(1000, 60)),
		},
		{
			method:  "/riot/account/v1/active-shards/by-game",
			pattern: regexp.MustCompile(`^/riot/account/v1/active-shards/by-game/([^/]+)/([^/]+)$`),
			routers: uniform(regionalRouters, dual(20000, 10, 1200000, 600)),
		},
	},
	ServiceMatch: {
		{
			method:  "/lol/match/v5/matches",
			pattern: regexp.MustCompile(`^/lol/match/v5/matches/([^/]+)$`),
			routers: uniform(matchRouters, secondsOnly(20000, 10)),
		},
		{
			method:  "/lol/match/v5/matches/by-puuid",
			pattern: regexp.MustCompile(`^/lol/match/v5/matches/by-puuid/([^/]+)/ids$`),
			routers: uniform(matchRouters, secondsOnly(20000, 10)),
		},
		{
			method:  "/lol/match/v5/matches/{matchId}/timeline",
			pattern: regexp.MustCompile(`^/lol/match/v5/matches/([^/]+)/timeline$`),
			routers: uniform(matchRouters, secondsOnly(20000, 10)),
		},
	},
	ServiceChampionMastery: {
		{
			method:  "/lol/champion-mastery/v4/champion-masteries/by-puuid/by-champion",
			pattern: regexp.MustCompile(`^/lol/champion-mastery/v4/champion-masteries/by-puuid/([^/]+)/by-champion/([^/]+)$`),
			routers: uniform(platformRouters, dual(20000, 10, 1200000, 600)),
		},
		{
			method:  "/lol/champion-mastery/v4/champion-masteries/by-puuid/top",
			pattern: regexp.MustCompile(`^/lol/champion-mastery/v4/champion-masteries/by-puuid/([^/]+)/top$`),
			routers: uniform(platformRouters, dual(20000, 10, 1200000, 600)),
		},
		{
			method:  "/lol/champion-mastery/v4/champion-masteries/by-puuid",
			pattern: regexp.MustCompile(`^/lol/champion-mastery/v4/champion-masteries/by-puuid/([^/]+)$`),
			routers: uniform(platformRouters, dual(20000, 10, 1200000, 600)),
		},
		{
			method:  "/lol/champion-mastery/v4/scores",
			pattern: regexp.MustCompile(`^/lol/champion-mastery/v4/scores/by-puuid/([^/]+)$`),
			routers: uniform(platformRouters, dual(20000, 10, 1200000, 600)),
		},
	},
}
