package worker

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// T-Rex

type trex struct {
	algos map[string]string
}

func newTRex() *trex {
	return &trex{algos: map[string]string{
		"kawpow":     "kawpow",
		"autolykos2": "autolykos2",
		"etchash":    "etchash",
		"ethash":     "ethash",
		"octopus":    "octopus",
		"firopow":    "firopow",
	}}
}

func (t *trex) Name() string   { return "t-rex" }
func (t *trex) Binary() string { return "t-rex/t-rex" }

func (t *trex) Supports(algorithm string) bool {
	_, ok := t.algos[algorithm]
	return ok
}

func (t *trex) BuildCommand(inv Invocation) []string {
	return []string{
		"-a", t.algos[inv.Algorithm],
		"-o", inv.PoolURL,
		"-u", inv.Wallet,
		"-p", "x",
		"-w", inv.WorkerName,
		"-d", fmt.Sprintf("%d", inv.DeviceIndex),
		"--api-bind-http", fmt.Sprintf("127.0.0.1:%d", inv.ControlPort),
		"--no-watchdog",
	}
}

func (t *trex) HealthPath() string { return "/summary" }

func (t *trex) ParseHealthResponse(data []byte) (Health, error) {
	var resp struct {
		Hashrate      float64 `json:"hashrate"`
		AcceptedCount uint64  `json:"accepted_count"`
		RejectedCount uint64  `json:"rejected_count"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Health{}, fmt.Errorf("t-rex summary: %w", err)
	}
	return Health{Hashrate: resp.Hashrate, Accepted: resp.AcceptedCount, Rejected: resp.RejectedCount}, nil
}

// ---------------------------------------------------------------------------
// lolMiner

type lolminer struct {
	algos map[string]string
}

func newLolMiner() *lolminer {
	return &lolminer{algos: map[string]string{
		"equihash125": "EQUI125_4",
		"equihash144": "EQUI144_5",
		"beamhashiii": "BEAM-III",
		"kheavyhash":  "KASPA",
		"blake3":      "ALEPH",
		"nexapow":     "NEXA",
		"autolykos2":  "AUTOLYKOS2",
		"etchash":     "ETCHASH",
		"ethash":      "ETHASH",
		"sha512256d":  "RADIANT",
	}}
}

func (l *lolminer) Name() string   { return "lolminer" }
func (l *lolminer) Binary() string { return "lolminer/lolMiner" }

func (l *lolminer) Supports(algorithm string) bool {
	_, ok := l.algos[algorithm]
	return ok
}

func (l *lolminer) BuildCommand(inv Invocation) []string {
	return []string{
		"--algo", l.algos[inv.Algorithm],
		"--pool", stripStratumPrefix(inv.PoolURL),
		"--user", inv.Wallet,
		"--worker", inv.WorkerName,
		"--devices", fmt.Sprintf("%d", inv.DeviceIndex),
		"--apiport", fmt.Sprintf("%d", inv.ControlPort),
	}
}

func (l *lolminer) HealthPath() string { return "/" }

func (l *lolminer) ParseHealthResponse(data []byte) (Health, error) {
	var resp struct {
		GPUs []struct {
			Performance float64 `json:"Performance"`
		} `json:"GPUs"`
		Session struct {
			Accepted  uint64 `json:"Accepted"`
			Submitted uint64 `json:"Submitted"`
		} `json:"Session"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Health{}, fmt.Errorf("lolminer status: %w", err)
	}
	h := Health{Accepted: resp.Session.Accepted}
	if resp.Session.Submitted >= resp.Session.Accepted {
		h.Rejected = resp.Session.Submitted - resp.Session.Accepted
	}
	// One device per process, so the first GPU entry is ours
	if len(resp.GPUs) > 0 {
		h.Hashrate = resp.GPUs[0].Performance
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// GMiner

type gminer struct {
	algos map[string]string
}

func newGMiner() *gminer {
	return &gminer{algos: map[string]string{
		"equihash125": "125_4",
		"equihash144": "144_5",
		"beamhashiii": "beamhash",
		"kheavyhash":  "kheavyhash",
		"autolykos2":  "autolykos2",
		"etchash":     "etchash",
		"ethash":      "ethash",
		"octopus":     "octopus",
		"kawpow":      "kawpow",
	}}
}

func (g *gminer) Name() string   { return "gminer" }
func (g *gminer) Binary() string { return "gminer/miner" }

func (g *gminer) Supports(algorithm string) bool {
	_, ok := g.algos[algorithm]
	return ok
}

func (g *gminer) BuildCommand(inv Invocation) []string {
	return []string{
		"-a", g.algos[inv.Algorithm],
		"-s", stripStratumPrefix(inv.PoolURL),
		"-u", inv.Wallet,
		"-w", inv.WorkerName,
		"-d", fmt.Sprintf("%d", inv.DeviceIndex),
		"--api", fmt.Sprintf("%d", inv.ControlPort),
	}
}

func (g *gminer) HealthPath() string { return "/stat" }

func (g *gminer) ParseHealthResponse(data []byte) (Health, error) {
	var resp struct {
		Devices []struct {
			Speed          float64 `json:"speed"`
			AcceptedShares uint64  `json:"accepted_shares"`
			RejectedShares uint64  `json:"rejected_shares"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Health{}, fmt.Errorf("gminer stat: %w", err)
	}
	var h Health
	for _, d := range resp.Devices {
		h.Hashrate += d.Speed
		h.Accepted += d.AcceptedShares
		h.Rejected += d.RejectedShares
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// Rigel

type rigel struct {
	algos map[string]string
}

func newRigel() *rigel {
	return &rigel{algos: map[string]string{
		"kheavyhash": "kheavyhash",
		"autolykos2": "autolykos2",
		"etchash":    "etchash",
		"ethash":     "ethash",
		"nexapow":    "nexapow",
		"kawpow":     "kawpow",
		"sha512256d": "sha512256d",
	}}
}

func (r *rigel) Name() string   { return "rigel" }
func (r *rigel) Binary() string { return "rigel/rigel" }

func (r *rigel) Supports(algorithm string) bool {
	_, ok := r.algos[algorithm]
	return ok
}

func (r *rigel) BuildCommand(inv Invocation) []string {
	return []string{
		"-a", r.algos[inv.Algorithm],
		"-o", inv.PoolURL,
		"-u", inv.Wallet,
		"-w", inv.WorkerName,
		"--gpu", fmt.Sprintf("%d", inv.DeviceIndex),
		"--api-bind", fmt.Sprintf("127.0.0.1:%d", inv.ControlPort),
	}
}

func (r *rigel) HealthPath() string { return "/stat" }

func (r *rigel) ParseHealthResponse(data []byte) (Health, error) {
	var resp struct {
		Hashrate     float64 `json:"hashrate"`
		SolutionStat struct {
			Accepted uint64 `json:"accepted"`
			Rejected uint64 `json:"rejected"`
		} `json:"solution_stat"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Health{}, fmt.Errorf("rigel stat: %w", err)
	}
	return Health{
		Hashrate: resp.Hashrate,
		Accepted: resp.SolutionStat.Accepted,
		Rejected: resp.SolutionStat.Rejected,
	}, nil
}

// ---------------------------------------------------------------------------
// NBMiner

type nbminer struct {
	algos map[string]string
}

func newNBMiner() *nbminer {
	return &nbminer{algos: map[string]string{
		"kawpow":     "kawpow",
		"autolykos2": "ergo",
		"etchash":    "etchash",
		"ethash":     "ethash",
		"octopus":    "octopus",
	}}
}

func (n *nbminer) Name() string   { return "nbminer" }
func (n *nbminer) Binary() string { return "nbminer/nbminer" }

func (n *nbminer) Supports(algorithm string) bool {
	_, ok := n.algos[algorithm]
	return ok
}

func (n *nbminer) BuildCommand(inv Invocation) []string {
	return []string{
		"-a", n.algos[inv.Algorithm],
		"-o", inv.PoolURL,
		"-u", fmt.Sprintf("%s.%s", inv.Wallet, inv.WorkerName),
		"-d", fmt.Sprintf("%d", inv.DeviceIndex),
		"--api", fmt.Sprintf("127.0.0.1:%d", inv.ControlPort),
	}
}

func (n *nbminer) HealthPath() string { return "/api/v1/status" }

func (n *nbminer) ParseHealthResponse(data []byte) (Health, error) {
	var resp struct {
		Miner struct {
			TotalHashrateRaw float64 `json:"total_hashrate_raw"`
		} `json:"miner"`
		Stratum struct {
			AcceptedShares uint64 `json:"accepted_shares"`
			RejectedShares uint64 `json:"rejected_shares"`
		} `json:"stratum"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Health{}, fmt.Errorf("nbminer status: %w", err)
	}
	return Health{
		Hashrate: resp.Miner.TotalHashrateRaw,
		Accepted: resp.Stratum.AcceptedShares,
		Rejected: resp.Stratum.RejectedShares,
	}, nil
}

// ---------------------------------------------------------------------------
// SRBMiner

type srbminer struct {
	algos map[string]string
}

func newSRBMiner() *srbminer {
	return &srbminer{algos: map[string]string{
		"randomx":    "randomx",
		"ghostrider": "ghostrider",
		"dynexsolve": "dynex",
	}}
}

func (s *srbminer) Name() string   { return "srbminer" }
func (s *srbminer) Binary() string { return "srbminer/SRBMiner-MULTI" }

func (s *srbminer) Supports(algorithm string) bool {
	_, ok := s.algos[algorithm]
	return ok
}

func (s *srbminer) BuildCommand(inv Invocation) []string {
	return []string{
		"--algorithm", s.algos[inv.Algorithm],
		"--pool", stripStratumPrefix(inv.PoolURL),
		"--wallet", inv.Wallet,
		"--worker", inv.WorkerName,
		"--gpu-id", fmt.Sprintf("%d", inv.DeviceIndex),
		"--api-enable",
		"--api-port", fmt.Sprintf("%d", inv.ControlPort),
	}
}

func (s *srbminer) HealthPath() string { return "/" }

func (s *srbminer) ParseHealthResponse(data []byte) (Health, error) {
	var resp struct {
		HashrateTotalNow float64 `json:"hashrate_total_now"`
		Shares           struct {
			Accepted uint64 `json:"accepted"`
			Rejected uint64 `json:"rejected"`
		} `json:"shares"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Health{}, fmt.Errorf("srbminer status: %w", err)
	}
	return Health{
		Hashrate: resp.HashrateTotalNow,
		Accepted: resp.Shares.Accepted,
		Rejected: resp.Shares.Rejected,
	}, nil
}
