// Package routing generates the reverse-proxy configuration fragment for a
// session. The generator is a pure function: the proxy watches container
// labels, so handing the labels to the runtime at create time is the only
// side effect anywhere in the system.
package routing

import "fmt"

type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// KindDesktop marks the session kind whose routers need an explicit
// priority. Desktop images ship their own default catch-all labels that
// otherwise shadow ours.
const KindDesktop = "desktop"

// DesktopPriority puts desktop routers above any catch-all rule.
const DesktopPriority = 100

const sessionPort = "3000"

// Config is the typed routing fragment for one session.
type Config struct {
	RouterName string
	Host       string
	EntryURL   string
	Port       string
	Priority   int
	Labels     map[string]string
}

// Generate builds the routing config for a session. Every session gets a
// uniquely named router keyed by its id; a shared router name would make the
// proxy flap between backends.
func Generate(sessionID, kind string, mode Mode, domain string) Config {
	routerName := "wegwerf-" + sessionID
	host := fmt.Sprintf("%s.%s", sessionID, domain)

	labels := map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", routerName):                      fmt.Sprintf("Host(`%s`)", host),
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", routerName): sessionPort,
	}

	cfg := Config{
		RouterName: routerName,
		Host:       host,
		Port:       sessionPort,
		Labels:     labels,
	}

	switch mode {
	case ModeProduction:
		labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", routerName)] = "web,websecure"
		labels[fmt.Sprintf("traefik.http.routers.%s.tls", routerName)] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", routerName)] = "letsencrypt"
		cfg.EntryURL = "https://" + host
	default:
		labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", routerName)] = "web"
		cfg.EntryURL = "http://" + host
	}

	if kind == KindDesktop {
		cfg.Priority = DesktopPriority
		labels[fmt.Sprintf("traefik.http.routers.%s.priority", routerName)] = fmt.Sprintf("%d", DesktopPriority)
	}

	return cfg
}
