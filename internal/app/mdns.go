package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_ecotrade._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the HTTP API so kiosks on the LAN can find the server.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "ecotrade"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("EcoTrade Server (%s)", hostname))
	txt := mdnsTXT(port, a.cfg.MQTTBrokerURL, sanitizeMDNSHost(hostname))

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(httpPort int, brokerURL, hostLabel string) []string {
	host := hostLabel
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	txt := []string{
		fmt.Sprintf("http_port=%d", httpPort),
		"api=/api",
		"proto=v1",
		fmt.Sprintf("host=%s", host),
	}
	if brokerURL != "" {
		txt = append(txt, "mqtt="+brokerURL, "scan_topic=kiosks/<id>/scans")
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "EcoTrade Server"
	}
	return truncateString(cleaned, 63)
}

// Host labels must be <=63 characters.
func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "ecotrade"
	}
	return truncateString(cleaned, 63)
}
