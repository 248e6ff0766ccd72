// Package workloadid authenticates weaver workloads to the secrets
// endpoint using their Kubernetes-projected service-account JWT (spec
// §4.8): the server runs a TokenReview against the cluster, maps the
// resulting service-account identity to a weaver id via a well-known
// naming convention, and mints a WeaverPrincipal.
package workloadid

import (
	"context"
	"fmt"
	"strings"

	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/wisbric/loom/internal/apperr"
	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/wgkey"
)

// WeaverPrincipal is the authenticated workload identity a validated SA
// token resolves to (spec §4.8: "WeaverPrincipal{weaver-id, org-id,
// repo-id?}"). It drives pkg/abac's Weaver-scope access checks.
type WeaverPrincipal struct {
	WeaverID wgkey.WeaverID
	OrgID    wgkey.OrgID
	RepoID   *string
}

// Validator runs TokenReview against the cluster and resolves the result to
// a WeaverPrincipal by cross-referencing the control-plane weaver registry.
type Validator struct {
	client    kubernetes.Interface
	reg       *registry.Store
	namespace string
	audiences []string
}

func New(client kubernetes.Interface, reg *registry.Store, namespace string, audiences []string) *Validator {
	return &Validator{client: client, reg: reg, namespace: namespace, audiences: audiences}
}

// Authenticate validates a raw SA JWT via the cluster's TokenReview API and
// returns the WeaverPrincipal it maps to (spec §4.8 steps: "on
// authenticated=true it extracts the SA identity, maps it to a weaver-id
// ... and constructs a WeaverPrincipal").
func (v *Validator) Authenticate(ctx context.Context, token string) (WeaverPrincipal, error) {
	review := &authenticationv1.TokenReview{
		Spec: authenticationv1.TokenReviewSpec{
			Token:     token,
			Audiences: v.audiences,
		},
	}

	result, err := v.client.AuthenticationV1().TokenReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return WeaverPrincipal{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "token_review_failed",
			"kubernetes token review failed", err)
	}

	if !result.Status.Authenticated {
		return WeaverPrincipal{}, apperr.Unauthorized("token_not_authenticated", "service account token is not authenticated")
	}

	weaverID, err := weaverIDFromUsername(v.namespace, result.Status.User.Username)
	if err != nil {
		return WeaverPrincipal{}, apperr.Unauthorized("token_identity_mismatch", err.Error())
	}

	w, err := v.reg.GetWeaver(ctx, weaverID)
	if err != nil {
		return WeaverPrincipal{}, apperr.NotFound("weaver_not_found", "weaver does not exist")
	}

	return WeaverPrincipal{WeaverID: w.ID, OrgID: w.Org, RepoID: w.RepoID}, nil
}

// weaverIDFromUsername parses the well-known SA username convention (spec
// §4.8: "system:serviceaccount:<namespace>:weaver-<id>").
func weaverIDFromUsername(expectedNamespace, username string) (wgkey.WeaverID, error) {
	const prefix = "system:serviceaccount:"
	if !strings.HasPrefix(username, prefix) {
		return wgkey.WeaverID{}, fmt.Errorf("unexpected token subject %q", username)
	}
	rest := strings.TrimPrefix(username, prefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return wgkey.WeaverID{}, fmt.Errorf("malformed service account subject %q", username)
	}
	namespace, saName := parts[0], parts[1]
	if namespace != expectedNamespace {
		return wgkey.WeaverID{}, fmt.Errorf("service account namespace %q does not match weaver namespace %q", namespace, expectedNamespace)
	}
	idStr, ok := strings.CutPrefix(saName, "weaver-")
	if !ok {
		return wgkey.WeaverID{}, fmt.Errorf("service account name %q is not a weaver identity", saName)
	}
	return wgkey.ParseWeaverID(idStr)
}
