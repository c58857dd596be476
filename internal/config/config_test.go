package config

import "testing"

func TestParseRequiresCoreFlags(t *testing.T) {
	_, err := Parse([]string{"-password", "x", "-my-ip", "10.0.0.1"})
	if err == nil {
		t.Fatal("expected error when -topdomain is missing")
	}
	_, err = Parse([]string{"-topdomain", "t.example.com", "-my-ip", "10.0.0.1"})
	if err == nil {
		t.Fatal("expected error when -password is missing")
	}
	_, err = Parse([]string{"-topdomain", "t.example.com", "-password", "x"})
	if err == nil {
		t.Fatal("expected error when -my-ip is missing")
	}
}

func TestParseRejectsInvalidIPs(t *testing.T) {
	base := []string{"-topdomain", "t.example.com", "-password", "x"}
	if _, err := Parse(append(base, "-my-ip", "not-an-ip")); err == nil {
		t.Fatal("expected error for invalid -my-ip")
	}
	good := append(append([]string{}, base...), "-my-ip", "10.0.0.1")
	if _, err := Parse(append(good, "-tun-ip", "not-an-ip")); err == nil {
		t.Fatal("expected error for invalid -tun-ip")
	}
	if _, err := Parse(append(good, "-ns-ip", "not-an-ip")); err == nil {
		t.Fatal("expected error for invalid -ns-ip")
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]string{"-topdomain", "t.example.com", "-password", "hunter2", "-my-ip", "10.0.0.1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Netmask != "27" {
		t.Errorf("Netmask default = %q, want 27", cfg.Netmask)
	}
	if cfg.MTU != 1130 {
		t.Errorf("MTU default = %d, want 1130", cfg.MTU)
	}
	if cfg.ListenPort != 53 {
		t.Errorf("ListenPort default = %d, want 53", cfg.ListenPort)
	}
	if !cfg.CheckIP {
		t.Errorf("CheckIP default = false, want true")
	}
	if cfg.BindPort != 0 {
		t.Errorf("BindPort default = %d, want 0", cfg.BindPort)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]string{
		"-topdomain", "t.example.com",
		"-password", "hunter2",
		"-my-ip", "10.0.0.1",
		"-tun-ip", "10.0.0.2",
		"-netmask", "30",
		"-mtu", "1200",
		"-port", "5353",
		"-ns-ip", "10.0.0.1",
		"-check-ip=false",
		"-debug", "2",
		"-max-idle-time", "5m",
		"-bind-port", "5300",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.TunIP == nil || cfg.TunIP.String() != "10.0.0.2" {
		t.Errorf("TunIP = %v, want 10.0.0.2", cfg.TunIP)
	}
	if cfg.Netmask != "30" {
		t.Errorf("Netmask = %q, want 30", cfg.Netmask)
	}
	if cfg.MTU != 1200 {
		t.Errorf("MTU = %d, want 1200", cfg.MTU)
	}
	if cfg.ListenPort != 5353 {
		t.Errorf("ListenPort = %d, want 5353", cfg.ListenPort)
	}
	if cfg.CheckIP {
		t.Errorf("CheckIP = true, want false")
	}
	if cfg.Debug != 2 {
		t.Errorf("Debug = %d, want 2", cfg.Debug)
	}
	if cfg.MaxIdleTime.String() != "5m0s" {
		t.Errorf("MaxIdleTime = %v, want 5m0s", cfg.MaxIdleTime)
	}
	if cfg.BindPort != 5300 {
		t.Errorf("BindPort = %d, want 5300", cfg.BindPort)
	}
}
