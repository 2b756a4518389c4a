package app

import (
	"log"
	"path/filepath"

	"github.com/petervdpas/meshrelay/internal/config"
)

// ConfigPath is the config file location for a peer directory.
func ConfigPath(peerDir string) string {
	return filepath.Join(peerDir, config.FileName)
}

func logBanner(role, peerDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Printf("meshrelay %s", role)
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" This process represents ONE device.")
	log.Println(" The peer folder is the device's boundary.")
	log.Println("────────────────────────────────────────")
}
