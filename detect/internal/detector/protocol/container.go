package protocol

import (
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Matched against the lowercased request path.
var escapePaths = compile(
	"kubelet_exec", `^/(exec|run|attach)/`,
	"docker_exec", `^(/v[0-9.]+)?/containers/[^/]+/exec$`,
)

// Matched against the lowercased request body.
var escapeBodies = compile(
	"privileged", `"privileged"\s*:\s*true`,
	"host_root_bind", `"binds"\s*:\s*\[[^\]]*"/:/`,
	"docker_socket", `docker\.sock`,
	"host_pid", `"pidmode"\s*:\s*"host"|"hostpid"\s*:\s*true`,
	"host_network", `"networkmode"\s*:\s*"host"|"hostnetwork"\s*:\s*true`,
	"host_ipc", `"ipcmode"\s*:\s*"host"|"hostipc"\s*:\s*true`,
	"cap_sys_admin", `"capadd"\s*:\s*\[[^\]]*"(cap_)?sys_admin"`,
	"host_path_root", `"hostpath"\s*:\s*\{\s*"path"\s*:\s*"/"`,
	"nsenter", `nsenter\s+(-t\s*1|--target\s+1)`,
)

// ContainerEscape inspects Docker and Kubernetes API calls for requests
// that would break out of container isolation.
var ContainerEscape = detector.Descriptor{
	Key:     "container_escape",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatContainerEscape},
	Params: []config.ParamSpec{
		config.Strings("ports", []string{"2375", "2376", "6443", "8001", "10250", "10255"}, "container API ports"),
	},
	New: func() detector.Detector {
		return &containerEscape{limit: newLimiter()}
	},
}

type containerEscape struct {
	ports detector.Ports
	limit limiter
}

func (d *containerEscape) Observe(c *detector.Context, f *models.Flow) {
	if !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	req := c.HTTP()
	if req == nil || req.Method == "GET" || req.Method == "HEAD" {
		return
	}
	hits := matches(escapePaths, []string{strings.ToLower(req.Path)})
	if len(req.Body) > 0 {
		hits = append(hits, matches(escapeBodies, []string{strings.ToLower(string(req.Body))})...)
	}
	if len(hits) == 0 || !d.limit.allow(c, f.SrcIP, f.DstIP, models.ThreatContainerEscape, f.Mono) {
		return
	}
	c.Emit(c.Alert(models.ThreatContainerEscape, f, "%s sent a container API request to %s that escapes isolation (%s)", f.SrcIP, f.DstIP, strings.Join(hits, ",")).
		WithEvidence(
			"indicators", strings.Join(hits, ","),
			"method", req.Method,
			"path", truncate(req.Path, 256),
			"user_agent", truncate(req.UserAgent, 128),
		))
}

func (d *containerEscape) Evict(now, idle time.Duration, batch int) int {
	return d.limit.Evict(now, idle, batch)
}
