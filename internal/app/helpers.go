package app

import (
	"strings"
)

// NormalizeLocalViewer ensures the local API only binds to localhost
// and returns listen addr, browser URL, and TCP check addr.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string, tcpAddr string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	tcpAddr = a
	return
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("fieldlink device")
	log.Infof(" Device folder : %s", peerDir)
	log.Infof(" Config file   : %s", cfgPath)
	log.Info("")
	log.Info(" This process represents ONE device.")
	log.Info(" Different folder/config = different device.")
	log.Info("────────────────────────────────────────")
}
