package k8s

import (
	"context"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"provisioning-api-go/internal/provisioner"
)

const (
	sidecarContainerName = "gatekeeper"
	sidecarConfigPath    = "/etc/keycloak-gatekeeper.conf"
	deleteGracePeriod    = int64(5)
)

// CreateWorkload creates the application Deployment with one replica
func (c *Client) CreateWorkload(ctx context.Context, params provisioner.WorkloadParams) error {
	ns := c.ns(params.Namespace)
	deployment := c.deploymentObject(params)

	err := withRetry(func() error {
		_, err := c.clientset.AppsV1().Deployments(ns).Create(ctx, deployment, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		return wrapErr("create", "deployment", deployment.Name, err)
	}

	c.logger.Info("deployment created",
		zap.String("name", deployment.Name),
		zap.String("namespace", ns),
		zap.Ints("ports", params.ContainerPorts),
		zap.Bool("credential_sidecar", params.WithCredentialSidecar))
	return nil
}

// DeleteWorkload deletes the Deployment in the foreground so its pods are
// gone before the call is acknowledged
func (c *Client) DeleteWorkload(ctx context.Context, name, namespace string) error {
	ns := c.ns(namespace)
	objName := deploymentName(name)

	grace := deleteGracePeriod
	propagation := metav1.DeletePropagationForeground

	err := c.clientset.AppsV1().Deployments(ns).Delete(ctx, objName, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &propagation,
	})
	if err != nil {
		return wrapErr("delete", "deployment", objName, err)
	}

	c.logger.Info("deployment deleted", zap.String("name", objName), zap.String("namespace", ns))
	return nil
}

func (c *Client) deploymentObject(params provisioner.WorkloadParams) *appsv1.Deployment {
	ports := make([]corev1.ContainerPort, 0, len(params.ContainerPorts))
	for _, port := range params.ContainerPorts {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(port), Protocol: corev1.ProtocolTCP})
	}

	containers := []corev1.Container{{
		Name:  params.Name,
		Image: params.Image,
		Ports: ports,
	}}
	var volumes []corev1.Volume

	if params.WithCredentialSidecar {
		cfgName := configMapName(params.Name)
		containers = append(containers, corev1.Container{
			Name:  sidecarContainerName,
			Image: c.opts.SidecarImage,
			Args:  []string{"--config=" + sidecarConfigPath},
			Ports: []corev1.ContainerPort{{
				Name:          "gatekeeper",
				ContainerPort: int32(c.opts.SidecarPort),
				Protocol:      corev1.ProtocolTCP,
			}},
			VolumeMounts: []corev1.VolumeMount{{
				Name:      cfgName,
				MountPath: sidecarConfigPath,
				SubPath:   gatekeeperConfigKey,
			}},
		})
		volumes = []corev1.Volume{{
			Name: cfgName,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: cfgName},
				},
			},
		}}
	}

	replicas := int32(1)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   deploymentName(params.Name),
			Labels: labels(params.Name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{AppLabel: params.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels(params.Name)},
				Spec: corev1.PodSpec{
					Containers: containers,
					Volumes:    volumes,
				},
			},
		},
	}
}
