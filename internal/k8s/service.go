package k8s

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"provisioning-api-go/internal/models"
)

// CreateInternalService creates the ClusterIP service in front of the
// workload's http side
func (c *Client) CreateInternalService(ctx context.Context, name, namespace string, sourcePort, targetPort int) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   serviceName(name),
			Labels: labels(name),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{AppLabel: name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Protocol:   corev1.ProtocolTCP,
				Port:       int32(sourcePort),
				TargetPort: intstr.FromInt32(int32(targetPort)),
			}},
		},
	}
	return c.createService(ctx, namespace, svc)
}

// CreateNodeExposedService creates the NodePort service of workload name on
// the given node port
func (c *Client) CreateNodeExposedService(ctx context.Context, name, namespace string, sourcePort, targetPort, nodePort int) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   serviceName(models.NodeServiceName(name)),
			Labels: labels(name),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{AppLabel: name},
			Ports: []corev1.ServicePort{{
				Name:       portName(),
				Protocol:   corev1.ProtocolTCP,
				Port:       int32(sourcePort),
				TargetPort: intstr.FromInt32(int32(targetPort)),
				NodePort:   int32(nodePort),
			}},
		},
	}
	return c.createService(ctx, namespace, svc)
}

// DeleteService deletes the service created for base name
func (c *Client) DeleteService(ctx context.Context, name, namespace string) error {
	ns := c.ns(namespace)
	objName := serviceName(name)

	if err := c.clientset.CoreV1().Services(ns).Delete(ctx, objName, metav1.DeleteOptions{}); err != nil {
		return wrapErr("delete", "service", objName, err)
	}

	c.logger.Info("service deleted", zap.String("name", objName), zap.String("namespace", ns))
	return nil
}

// UsedNodePorts lists the node ports bound by services this client manages
func (c *Client) UsedNodePorts(ctx context.Context, namespace string) ([]int, error) {
	ns := c.ns(namespace)

	list, err := c.clientset.CoreV1().Services(ns).List(ctx, metav1.ListOptions{
		LabelSelector: ManagedByLabel + "=" + ManagedByValue,
	})
	if err != nil {
		return nil, wrapErr("list", "services", ns, err)
	}

	var ports []int
	for _, svc := range list.Items {
		if svc.Spec.Type != corev1.ServiceTypeNodePort {
			continue
		}
		for _, p := range svc.Spec.Ports {
			if p.NodePort != 0 {
				ports = append(ports, int(p.NodePort))
			}
		}
	}
	sort.Ints(ports)
	return ports, nil
}

func (c *Client) createService(ctx context.Context, namespace string, svc *corev1.Service) error {
	ns := c.ns(namespace)

	err := withRetry(func() error {
		_, err := c.clientset.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		return wrapErr("create", "service", svc.Name, err)
	}

	c.logger.Info("service created",
		zap.String("name", svc.Name),
		zap.String("namespace", ns),
		zap.String("type", string(svc.Spec.Type)),
		zap.Int32("node_port", svc.Spec.Ports[0].NodePort))
	return nil
}

// portName is a random six-character service port name
func portName() string {
	return "p" + strings.ReplaceAll(uuid.NewString(), "-", "")[:5]
}
