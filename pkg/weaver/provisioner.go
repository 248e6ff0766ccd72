package weaver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/wisbric/loom/internal/apperr"
	"github.com/wisbric/loom/internal/audit"
	"github.com/wisbric/loom/internal/org"
	"github.com/wisbric/loom/internal/telemetry"
	"github.com/wisbric/loom/pkg/ipalloc"
	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/wgkey"
)

const (
	labelApp    = "app.kubernetes.io/managed-by"
	labelAppVal = "loom"
	labelWeaver = "loom.dev/weaver-id"
	labelOrg    = "loom.dev/org-id"

	containerName      = "weaver"
	auditSidecarName    = "audit-sidecar"
	serviceAccountToken = "weaver-identity-token"
	saTokenMountPath    = "/var/run/secrets/loom/identity"
	derpRegionDefault   = 1
)

// Config carries the provisioner's Kubernetes and policy-level knobs (spec
// §4.7), sourced from internal/config.Config.
type Config struct {
	Namespace        string
	ImageDefault     string
	AuditSidecarImg  string
	ReadyTimeout     time.Duration
	SecretsEndpoint  string
	TokenAudience    string
}

// Provisioner is the Kubernetes-aware controller driving weaver pod
// lifecycle (spec §4.7): create, delete, stream_logs, cleanup.
type Provisioner struct {
	client  kubernetes.Interface
	reg     *registry.Store
	ips     *ipalloc.Allocator
	policy  *org.PolicyStore
	bus     *audit.Bus
	cfg     Config
	logger  *slog.Logger
}

func New(client kubernetes.Interface, reg *registry.Store, ips *ipalloc.Allocator, policy *org.PolicyStore, bus *audit.Bus, cfg Config, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{client: client, reg: reg, ips: ips, policy: policy, bus: bus, cfg: cfg, logger: logger}
}

// Create provisions a new weaver (spec §4.7 create(request), steps 1-5):
// quota/TTL enforcement, pod spec rendering, submission, ready-timeout wait,
// and an audit event on success. On ready-timeout the pod is deleted and the
// weaver transitions to Failed.
func (p *Provisioner) Create(ctx context.Context, owner wgkey.UserID, orgID wgkey.OrgID, req CreateRequest) (Response, error) {
	pol, err := p.policy.GetPolicy(ctx, orgID.UUID)
	if err != nil {
		return Response{}, fmt.Errorf("resolving org policy: %w", err)
	}

	running, err := p.reg.ListRunningByOrg(ctx, orgID)
	if err != nil {
		return Response{}, fmt.Errorf("listing running weavers: %w", err)
	}
	if err := pol.CheckQuota(len(running)); err != nil {
		return Response{}, apperr.Conflict("weaver_quota_exceeded", err.Error())
	}

	ttl := pol.ClampTTL(time.Duration(req.TTLHours * float64(time.Hour)))

	keypair, err := wgkey.GenerateKeypair()
	if err != nil {
		return Response{}, fmt.Errorf("generating weaver keypair: %w", err)
	}

	id, err := wgkey.NewWeaverID()
	if err != nil {
		return Response{}, fmt.Errorf("minting weaver id: %w", err)
	}

	ip, err := p.ips.Allocate(ctx, ipalloc.KindWeaver, id.String())
	if err != nil {
		return Response{}, fmt.Errorf("allocating weaver ip: %w", err)
	}

	image := req.Image
	if image == "" {
		image = p.cfg.ImageDefault
	}

	w, err := p.reg.CreateWeaver(ctx, registry.Weaver{
		ID:             id,
		PublicKey:      keypair.Public,
		AssignedIP:     ip,
		DERPHomeRegion: derpRegionDefault,
		Status:         registry.WeaverPending,
		OwnerUser:      owner,
		Org:            orgID,
		RepoID:         req.RepoID,
		Image:          image,
		Tags:           req.Tags,
		TTLHours:       ttl.Hours(),
		PodName:        podName(id),
	})
	if err != nil {
		return Response{}, fmt.Errorf("inserting weaver row: %w", err)
	}

	if err := p.ensureServiceAccount(ctx, id); err != nil {
		p.markFailed(ctx, id)
		return Response{}, fmt.Errorf("provisioning weaver service account: %w", err)
	}

	pod := p.buildPod(w, keypair, req.Env)
	if err := p.submitPod(ctx, pod); err != nil {
		p.markFailed(ctx, id)
		return Response{}, fmt.Errorf("submitting weaver pod: %w", err)
	}

	if err := p.waitReady(ctx, w.PodName); err != nil {
		p.deletePod(ctx, w.PodName)
		p.markFailed(ctx, id)
		telemetry.WeaversFailedTotal.Inc()
		return Response{}, apperr.Wrap(apperr.KindUpstreamTimeout, "weaver_ready_timeout",
			"weaver did not become ready in time", err)
	}

	if err := p.reg.UpdateWeaverStatus(ctx, id, registry.WeaverRunning); err != nil {
		return Response{}, fmt.Errorf("marking weaver running: %w", err)
	}
	w.Status = registry.WeaverRunning

	telemetry.WeaversCreatedTotal.Inc()
	telemetry.WeaversActive.Inc()

	if p.bus != nil {
		p.bus.Publish(audit.Event{
			Type: audit.EventWeaverCreated, ActorUserID: owner.String(),
			ResourceType: "weaver", ResourceID: id.String(), Action: "create",
		})
	}

	return ToResponse(w), nil
}

// Delete removes a weaver's pod with a grace period and marks it
// Terminating, then deletes the control-plane row and releases its IP (spec
// §4.7 "delete(id)").
func (p *Provisioner) Delete(ctx context.Context, id wgkey.WeaverID) error {
	w, err := p.reg.GetWeaver(ctx, id)
	if err != nil {
		return apperr.NotFound("weaver_not_found", "weaver does not exist")
	}

	if err := p.reg.UpdateWeaverStatus(ctx, id, registry.WeaverTerminating); err != nil {
		return fmt.Errorf("marking weaver terminating: %w", err)
	}

	p.deletePod(ctx, w.PodName)
	if err := p.client.CoreV1().ServiceAccounts(p.cfg.Namespace).Delete(ctx, serviceAccountName(id), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		p.logger.Warn("weaver: deleting service account failed", "weaver_id", id.String(), "error", err)
	}

	if err := p.reg.DeleteWeaver(ctx, id); err != nil {
		return fmt.Errorf("deleting weaver row: %w", err)
	}
	if err := p.ips.Release(ctx, ipalloc.KindWeaver, id.String()); err != nil {
		p.logger.Warn("weaver: releasing ip failed", "weaver_id", id.String(), "error", err)
	}

	telemetry.WeaversDeletedTotal.Inc()
	telemetry.WeaversActive.Dec()

	if p.bus != nil {
		p.bus.Publish(audit.Event{
			Type: audit.EventWeaverDeleted,
			ResourceType: "weaver", ResourceID: id.String(), Action: "delete",
		})
	}
	return nil
}

// Cleanup deletes every weaver whose age exceeds its TTL or whose pod has
// failed, invoked periodically by the scheduler (spec §4.7 "cleanup()").
func (p *Provisioner) Cleanup(ctx context.Context) ([]wgkey.WeaverID, error) {
	expired, err := p.reg.ListExpired(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("listing expired weavers: %w", err)
	}

	var deleted []wgkey.WeaverID
	for _, w := range expired {
		if err := p.Delete(ctx, w.ID); err != nil {
			p.logger.Warn("weaver: cleanup delete failed", "weaver_id", w.ID.String(), "error", err)
			continue
		}
		deleted = append(deleted, w.ID)
	}

	telemetry.WeaverCleanupRunsTotal.Inc()
	if p.bus != nil && len(deleted) > 0 {
		ids := make([]string, len(deleted))
		for i, id := range deleted {
			ids[i] = id.String()
		}
		detail, _ := json.Marshal(map[string]any{"deleted": ids})
		p.bus.Publish(audit.Event{
			Type: audit.EventWeaversCleanup, ResourceType: "weaver", Action: "cleanup", Details: detail,
		})
	}
	return deleted, nil
}

// StreamLogs opens a multiplexed log stream from the weaver's pod with tail
// and timestamp options (spec §4.7 "stream_logs(id, options)").
func (p *Provisioner) StreamLogs(ctx context.Context, id wgkey.WeaverID, opts LogOptions) (io.ReadCloser, error) {
	w, err := p.reg.GetWeaver(ctx, id)
	if err != nil {
		return nil, apperr.NotFound("weaver_not_found", "weaver does not exist")
	}

	podLogOpts := &corev1.PodLogOptions{
		Container:  containerName,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
	}
	if opts.TailLines > 0 {
		podLogOpts.TailLines = &opts.TailLines
	}

	req := p.client.CoreV1().Pods(p.cfg.Namespace).GetLogs(w.PodName, podLogOpts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, classifyK8sErr(err)
	}
	return stream, nil
}

func (p *Provisioner) submitPod(ctx context.Context, pod *corev1.Pod) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := p.client.CoreV1().Pods(p.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		if err == nil || apierrors.IsAlreadyExists(err) {
			return struct{}{}, nil
		}
		if apierrors.IsConflict(err) || apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsTooManyRequests(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(classifyK8sErr(err))
	}, backoff.WithMaxTries(5))
	return err
}

func (p *Provisioner) deletePod(ctx context.Context, name string) {
	grace := int64(30)
	err := p.client.CoreV1().Pods(p.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		p.logger.Warn("weaver: deleting pod failed", "pod", name, "error", err)
	}
}

func (p *Provisioner) markFailed(ctx context.Context, id wgkey.WeaverID) {
	if err := p.reg.UpdateWeaverStatus(ctx, id, registry.WeaverFailed); err != nil {
		p.logger.Warn("weaver: marking failed status failed", "weaver_id", id.String(), "error", err)
	}
	if p.bus != nil {
		p.bus.Publish(audit.Event{
			Type: audit.EventWeaverFailed, ResourceType: "weaver", ResourceID: id.String(), Action: "fail",
		})
	}
}

// waitReady polls the pod until it reaches Running phase or the
// provisioner's ready-timeout elapses (spec §4.7 step 4). Pod phases
// Unknown and Failed are terminal from the provisioner's perspective (spec
// §4.7 "Failure semantics").
func (p *Provisioner) waitReady(ctx context.Context, podName string) error {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		pod, err := p.client.CoreV1().Pods(p.cfg.Namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("getting pod status: %w", err)
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			if podContainersReady(pod) {
				return nil
			}
		case corev1.PodFailed, corev1.PodUnknown:
			return fmt.Errorf("pod entered terminal phase %s", pod.Status.Phase)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("pod did not reach ready state within %s", p.cfg.ReadyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func podContainersReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.ContainersReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func podName(id wgkey.WeaverID) string {
	return "weaver-" + id.String()
}

// classifyK8sErr maps an apierrors failure onto apperr's taxonomy (spec
// §4.7 "Failure semantics": "persistent 4xx responses surface as
// ApiError").
func classifyK8sErr(err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return apperr.Wrap(apperr.KindNotFound, "pod_not_found", "pod not found", err)
	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err):
		return apperr.Wrap(apperr.KindUpstreamTimeout, "k8s_api_timeout", "kubernetes API timed out", err)
	case apierrors.IsTooManyRequests(err):
		return apperr.Wrap(apperr.KindRateLimited, "k8s_api_rate_limited", "kubernetes API rate limited the request", err)
	case apierrors.IsServiceUnavailable(err) || apierrors.IsInternalError(err):
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "k8s_api_unavailable", "kubernetes API unavailable", err)
	default:
		return apperr.Wrap(apperr.KindBadRequest, "k8s_api_error", "kubernetes API rejected the request", err)
	}
}
