package dispatcher

import (
	"context"
	"fmt"
	"os"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"github.com/fleetworks/dispatcher/internal/logger"
)

const (
	defaultJobNamespace = "dispatcher-agents"
	maxJobNameLength    = 63
	jobTTLSeconds       = int32(3600)
)

// clusterJobBackend launches runners as batch jobs in a cluster.
type clusterJobBackend struct {
	clientset kubernetes.Interface
}

func newClusterJobBackend() (*clusterJobBackend, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("initialise cluster client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialise cluster client: %w", err)
	}
	return &clusterJobBackend{clientset: clientset}, nil
}

func (b *clusterJobBackend) Launch(ctx context.Context, runnerID string, tc TaskContext, pool AgentPool) (Runner, error) {
	namespace := pool.Config["namespace"]
	if namespace == "" {
		namespace = defaultJobNamespace
	}

	jobName := "runner-" + runnerID
	if len(jobName) > maxJobNameLength {
		jobName = jobName[:maxJobNameLength]
	}

	envVars, err := jobEnv(runnerID, tc, pool)
	if err != nil {
		return Runner{}, err
	}
	resources := jobResources(pool)

	var job *batchv1.Job
	if templatePath := pool.Config["job_template"]; templatePath != "" {
		job, err = loadJobTemplate(templatePath, jobName, envVars, resources)
		if err != nil {
			return Runner{}, err
		}
	} else {
		job = defaultJob(jobName, namespace, pool.Config["image"], envVars, resources, tc)
	}

	if _, err := b.clientset.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return Runner{}, fmt.Errorf("create job: %w", err)
	}

	logger.WithRunner(runnerID).Info().
		Str("job_name", jobName).
		Str("namespace", namespace).
		Msg("cluster job runner started")

	return Runner{
		RunnerID:  runnerID,
		TaskID:    tc.TaskID,
		PoolName:  pool.Name,
		SlotID:    tc.SlotID,
		State:     RunnerRunning,
		StartedAt: time.Now().UTC(),
		JobName:   jobName,
	}, nil
}

func jobEnv(runnerID string, tc TaskContext, pool AgentPool) ([]corev1.EnvVar, error) {
	env, err := runnerEnv(runnerID, tc, pool, map[string]bool{
		"namespace":    true,
		"image":        true,
		"job_template": true,
	})
	if err != nil {
		return nil, err
	}
	vars := make([]corev1.EnvVar, 0, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				vars = append(vars, corev1.EnvVar{Name: kv[:i], Value: kv[i+1:]})
				break
			}
		}
	}
	return vars, nil
}

func jobResources(pool AgentPool) corev1.ResourceRequirements {
	var req corev1.ResourceRequirements
	if pool.CPUQuota <= 0 && pool.MemoryQuota <= 0 {
		return req
	}
	req.Limits = corev1.ResourceList{}
	req.Requests = corev1.ResourceList{}
	if pool.CPUQuota > 0 {
		req.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(pool.CPUQuota*1000), resource.DecimalSI)
		req.Requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(pool.CPUQuota*500), resource.DecimalSI)
	}
	if pool.MemoryQuota > 0 {
		req.Limits[corev1.ResourceMemory] = *resource.NewQuantity(int64(pool.MemoryQuota)*1024*1024, resource.BinarySI)
		req.Requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(pool.MemoryQuota)*1024*1024/2, resource.BinarySI)
	}
	return req
}

func defaultJob(jobName, namespace, image string, env []corev1.EnvVar, resources corev1.ResourceRequirements, tc TaskContext) *batchv1.Job {
	if image == "" {
		image = "dispatcher/runner:latest"
	}
	backoffLimit := int32(0)
	ttl := jobTTLSeconds

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: namespace,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":       "dispatcher-runner",
						"runner-id": jobName,
						"task-id":   tc.TaskID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:       "runner",
							Image:      image,
							Env:        env,
							Resources:  resources,
							WorkingDir: containerWorkdir,
						},
					},
				},
			},
		},
	}
}

// loadJobTemplate reads a job manifest from disk and overrides its name,
// environment and resources.
func loadJobTemplate(path, jobName string, env []corev1.EnvVar, resources corev1.ResourceRequirements) (*batchv1.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job template: %w", err)
	}
	var job batchv1.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job template: %w", err)
	}

	job.ObjectMeta.Name = jobName
	backoffLimit := int32(0)
	ttl := jobTTLSeconds
	job.Spec.BackoffLimit = &backoffLimit
	job.Spec.TTLSecondsAfterFinished = &ttl
	for i := range job.Spec.Template.Spec.Containers {
		job.Spec.Template.Spec.Containers[i].Env = env
		job.Spec.Template.Spec.Containers[i].Resources = resources
	}
	return &job, nil
}
