package main

import (
	"flag"
	"github.com/alexflint/go-arg"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/cmd"
	"kube-vuln-scanner/internal/app/vulnscanner"
	"strconv"
)

func main() {
	cfg := cmd.DefaultConfiguration()
	arg.MustParse(cfg)

	klog.InitFlags(nil)
	if err := flag.Set("v", strconv.Itoa(cfg.Verbosity)); err != nil {
		klog.Errorf("Invalid verbosity %d: %v", cfg.Verbosity, err)
	}
	defer klog.Flush()

	if err := vulnscanner.Run(cfg); err != nil {
		klog.Errorf("Error running kube-vuln-scanner: %v", err)
	}
	klog.Info("Shutting down...")
}
