package weaver

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/wgkey"
)

// ensureServiceAccount creates the weaver's dedicated ServiceAccount so its
// pod's projected token maps to a unique, TokenReview-verifiable identity
// (spec §4.8's "system:serviceaccount:<namespace>:weaver-<id>" convention).
func (p *Provisioner) ensureServiceAccount(ctx context.Context, id wgkey.WeaverID) error {
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceAccountName(id),
			Namespace: p.cfg.Namespace,
			Labels:    map[string]string{labelApp: labelAppVal, labelWeaver: id.String()},
		},
	}
	_, err := p.client.CoreV1().ServiceAccounts(p.cfg.Namespace).Create(ctx, sa, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return classifyK8sErr(err)
	}
	return nil
}

// serviceAccountName follows the well-known naming convention spec §4.8
// names: "system:serviceaccount:<namespace>:weaver-<id>" maps back to a
// weaver id once stripped of its namespace prefix by TokenReview validation.
func serviceAccountName(id wgkey.WeaverID) string {
	return "weaver-" + id.String()
}

// buildPod renders the Pod spec for a weaver (spec §4.7 step 2): agent
// image, resource limits, env (including the secrets endpoint URL and
// org/repo scope), a projected service-account token, and an optional audit
// sidecar.
func (p *Provisioner) buildPod(w registry.Weaver, kp wgkey.Keypair, extraEnv map[string]string) *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "LOOM_WEAVER_ID", Value: w.ID.String()},
		{Name: "LOOM_ORG_ID", Value: w.Org.String()},
		{Name: "LOOM_SECRETS_ENDPOINT", Value: p.cfg.SecretsEndpoint},
		{Name: "LOOM_WG_PRIVATE_KEY", Value: privateKeyEnvValue(kp.Private)},
		{Name: "LOOM_ASSIGNED_IPV6", Value: w.AssignedIP.String()},
	}
	if w.RepoID != nil {
		env = append(env, corev1.EnvVar{Name: "LOOM_REPO_ID", Value: *w.RepoID})
	}
	for k, v := range extraEnv {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	containers := []corev1.Container{
		{
			Name:            containerName,
			Image:           w.Image,
			Env:             env,
			ImagePullPolicy: corev1.PullIfNotPresent,
			Resources: corev1.ResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("500m"),
					corev1.ResourceMemory: resource.MustParse("512Mi"),
				},
				Limits: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("2"),
					corev1.ResourceMemory: resource.MustParse("2Gi"),
				},
			},
			VolumeMounts: []corev1.VolumeMount{
				{Name: serviceAccountToken, MountPath: saTokenMountPath, ReadOnly: true},
			},
		},
	}

	if p.cfg.AuditSidecarImg != "" {
		containers = append(containers, corev1.Container{
			Name:            auditSidecarName,
			Image:           p.cfg.AuditSidecarImg,
			ImagePullPolicy: corev1.PullIfNotPresent,
			Env: []corev1.EnvVar{
				{Name: "LOOM_WEAVER_ID", Value: w.ID.String()},
				{Name: "LOOM_AUDIT_BATCH_INTERVAL", Value: "5s"},
				{Name: "LOOM_AUDIT_BUFFER_CAP", Value: "1000"},
			},
			Resources: corev1.ResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("50m"),
					corev1.ResourceMemory: resource.MustParse("64Mi"),
				},
			},
		})
	}

	audience := p.cfg.TokenAudience
	projectedPath := "token"
	var expiration int64 = 3600

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      w.PodName,
			Namespace: p.cfg.Namespace,
			Labels: map[string]string{
				labelApp:    labelAppVal,
				labelWeaver: w.ID.String(),
				labelOrg:    w.Org.String(),
			},
		},
		Spec: corev1.PodSpec{
			ServiceAccountName: serviceAccountName(w.ID),
			Containers:          containers,
			RestartPolicy:       corev1.RestartPolicyNever,
			Volumes: []corev1.Volume{
				{
					Name: serviceAccountToken,
					VolumeSource: corev1.VolumeSource{
						Projected: &corev1.ProjectedVolumeSource{
							Sources: []corev1.VolumeProjection{
								{
									ServiceAccountToken: &corev1.ServiceAccountTokenProjection{
										Path:              projectedPath,
										Audience:          audience,
										ExpirationSeconds: &expiration,
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// privateKeyEnvValue hex-encodes the weaver's private scalar for its own
// bootstrap env var. Only the weaver process reads it; the control plane
// never persists the decoded value past key generation.
func privateKeyEnvValue(k wgkey.PrivateKey) string {
	b := k.Expose()
	return fmt.Sprintf("%x", b)
}
