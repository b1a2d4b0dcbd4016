package rbac

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	authv1 "k8s.io/api/authorization/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const maxConcurrentReviews = 10

// PermissionGap is an action the service account needs but is not allowed to perform.
type PermissionGap struct {
	Verb     string `json:"verb"`
	Group    string `json:"group"`
	Resource string `json:"resource"`
	Name     string `json:"name,omitempty"`
}

// PermissionChecker asks the API server what the service itself is allowed to do.
type PermissionChecker struct {
	K8sClient kubernetes.Interface
}

// NewPermissionChecker creates a checker that uses the given Kubernetes client.
func NewPermissionChecker(k8sClient kubernetes.Interface) *PermissionChecker {
	return &PermissionChecker{K8sClient: k8sClient}
}

// CheckDelegation verifies the service can manage namespaces, quotas, limit ranges and
// role bindings, and may bind each of clusterRoles. Reviews run concurrently, at most 10
// at a time.
func (c *PermissionChecker) CheckDelegation(ctx context.Context, clusterRoles []string) ([]PermissionGap, error) {
	needed := []PermissionGap{
		{Verb: "create", Resource: "namespaces"},
		{Verb: "delete", Resource: "namespaces"},
		{Verb: "create", Resource: "resourcequotas"},
		{Verb: "update", Resource: "resourcequotas"},
		{Verb: "create", Resource: "limitranges"},
		{Verb: "update", Resource: "limitranges"},
		{Verb: "create", Group: rbacv1.GroupName, Resource: "rolebindings"},
		{Verb: "delete", Group: rbacv1.GroupName, Resource: "rolebindings"},
	}
	for _, cr := range clusterRoles {
		needed = append(needed, PermissionGap{Verb: "bind", Group: rbacv1.GroupName, Resource: "clusterroles", Name: cr})
	}

	var (
		gaps  []PermissionGap
		gapMu sync.Mutex
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReviews)
	for _, p := range needed {
		g.Go(func() error {
			sar := &authv1.SelfSubjectAccessReview{
				Spec: authv1.SelfSubjectAccessReviewSpec{
					ResourceAttributes: &authv1.ResourceAttributes{
						Verb:     p.Verb,
						Group:    p.Group,
						Resource: p.Resource,
						Name:     p.Name,
					},
				},
			}
			resp, err := c.K8sClient.AuthorizationV1().SelfSubjectAccessReviews().Create(gCtx, sar, metav1.CreateOptions{})
			if err != nil {
				return err
			}
			if !resp.Status.Allowed {
				gapMu.Lock()
				gaps = append(gaps, p)
				gapMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return gaps, nil
}
