package testutils

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container is a started test container and the address it is reachable on.
type Container struct {
	Container testcontainers.Container
	Host      string
	Port      string
}

// Stop terminates the container.
func (c *Container) Stop(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}

// startContainer starts req and resolves the mapped address of port.
// The container is terminated when the test ends.
func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) Container {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skipf("Skipping %s container test on non-Linux OS", req.Image)
	}

	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Setup: failed to start %s container", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Teardown: failed to terminate %s container: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err, "Setup: failed to get mapped port")

	return Container{Container: container, Host: host, Port: mapped.Port()}
}

// RabbitMQContainer is a RabbitMQ broker for testing purposes.
type RabbitMQContainer struct {
	Container
	URL string
}

// StartRabbitMQContainer starts a RabbitMQ broker and waits until it accepts AMQP connections.
func StartRabbitMQContainer(t *testing.T) *RabbitMQContainer {
	t.Helper()

	const user, password = "guest", "guest"

	c := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-alpine",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": user,
			"RABBITMQ_DEFAULT_PASS": password,
		},
		WaitingFor: wait.ForLog("Server startup complete"),
	}, "5672/tcp")

	return &RabbitMQContainer{
		Container: c,
		URL:       fmt.Sprintf("amqp://%s:%s@%s:%s/", user, password, c.Host, c.Port),
	}
}

// MinIOContainer is an S3 compatible object store for testing purposes.
type MinIOContainer struct {
	Container
	Endpoint  string
	AccessKey string
	SecretKey string
}

// StartMinIOContainer starts a MinIO server and waits until it is ready.
func StartMinIOContainer(t *testing.T) *MinIOContainer {
	t.Helper()

	const accessKey, secretKey = "minioadmin", "minioadmin"

	c := startContainer(t, testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     accessKey,
			"MINIO_ROOT_PASSWORD": secretKey,
		},
		WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
	}, "9000/tcp")

	return &MinIOContainer{
		Container: c,
		Endpoint:  c.Host + ":" + c.Port,
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}
