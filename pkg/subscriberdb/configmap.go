package subscriberdb

import (
	"context"
	"net"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/infrastructure-io/mobilityd/pkg/log"
)

// DataKey is the ConfigMap key holding the subscriber document
const DataKey = "subscribers.yaml"

// ConfigMapStore serves the entries of one ConfigMap, kept current by the
// controller manager
type ConfigMapStore struct {
	Table
	client client.Client
	name   types.NamespacedName
}

func NewConfigMapStore(c client.Client, namespace, name string) *ConfigMapStore {
	s := &ConfigMapStore{
		client: c,
		name:   types.NamespacedName{Namespace: namespace, Name: name},
	}
	s.set(map[string]net.IP{})
	return s
}

func (s *ConfigMapStore) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("subscriberdb").
		For(&corev1.ConfigMap{}, builder.WithPredicates(predicate.NewPredicateFuncs(func(o client.Object) bool {
			return o.GetNamespace() == s.name.Namespace && o.GetName() == s.name.Name
		}))).
		Complete(s)
}

func (s *ConfigMapStore) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	logger := log.Logger.Named("subscriberdb/" + req.Name)
	if req.NamespacedName != s.name {
		return reconcile.Result{}, nil
	}

	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, req.NamespacedName, cm); err != nil {
		if errors.IsNotFound(err) {
			logger.Infof("configmap removed, no static address")
			s.set(map[string]net.IP{})
			return reconcile.Result{}, nil
		}
		return reconcile.Result{}, err
	}

	entries, err := Parse([]byte(cm.Data[DataKey]))
	if err != nil {
		// an invalid document is not retried, the next edit triggers another pass
		logger.Errorf("keep the previous subscribers: %v", err)
		return reconcile.Result{}, nil
	}
	s.set(entries)
	logger.Infof("loaded %d static subscribers", len(entries))
	return reconcile.Result{}, nil
}

// Load reads the configmap once, the manager cache must be synced
func (s *ConfigMapStore) Load(ctx context.Context) error {
	_, err := s.Reconcile(ctx, reconcile.Request{NamespacedName: s.name})
	return err
}
