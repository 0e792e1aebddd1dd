// featkd-distill: feature-map distillation of a toy student CNN from a toy
// teacher CNN on synthetic data.
//
// Usage:
//
//	featkd-distill --teacher=16,32 --student=8,16 --steps=200 --alpha=0.001
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"featkd/distill"
	"featkd/models"
	"featkd/nn"
	"featkd/utils"

	"github.com/pkg/errors"
)

var (
	teacherChannels = flag.String("teacher", "16,32", "Teacher stage channels")
	studentChannels = flag.String("student", "8,16", "Student stage channels")
	depth           = flag.Int("depth", 1, "Connector depth")
	useBN           = flag.Bool("bn", true, "BatchNorm after each connector projection")
	useBias         = flag.Bool("bias", false, "Bias on connector projections")
	kernel          = flag.Int("kernel", 1, "Connector kernel size (odd)")
	alpha           = flag.Float64("alpha", 0.001, "Distillation loss weight")
	learningRate    = flag.Float64("lr", 0.1, "Learning rate")
	batchSize       = flag.Int("batch", 32, "Batch size")
	steps           = flag.Int("steps", 200, "Distillation steps")
	teacherSteps    = flag.Int("teacher-steps", 100, "Task-loss steps to train the teacher before distillation")
	imageSize       = flag.Int("image", 8, "Synthetic image height and width")
	classes         = flag.Int("classes", 10, "Number of synthetic classes")
	noise           = flag.Float64("noise", 0.5, "Synthetic sample noise")
	evalSize        = flag.Int("eval-size", 256, "Held-out samples evaluated at every report")
	teacherTrainBN  = flag.Bool("teacher-train-bn", false, "Keep teacher BatchNorm on batch statistics during distillation (default uses running statistics)")
	logEvery        = flag.Int("log-every", 20, "Report every N steps")
	seed            = flag.Int64("seed", 42, "Random seed")
	verbose         = flag.Bool("verbose", true, "Verbose output")
	outputFile      = flag.String("output", "", "Output connector weights file (JSON)")
	resumeFile      = flag.String("resume", "", "Connector weights file to start from (JSON)")
)

func main() {
	flag.Parse()
	utils.Verbose = *verbose
	if *logEvery < 1 {
		*logEvery = 1
	}

	config, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                 featkd Feature Distillation                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nConfiguration:\n")
	fmt.Printf("  Teacher:       %v\n", config.TeacherChannels)
	fmt.Printf("  Student:       %v\n", config.StudentChannels)
	fmt.Printf("  Connector:     depth=%d bn=%v bias=%v kernel=%d\n",
		config.ConnectorDepth, config.ConnectorBN, config.ConnectorBias, config.ConnectorKernelSize)
	fmt.Printf("  Alpha:         %g\n", config.Alpha)
	fmt.Printf("  Learning Rate: %.4f\n", config.LearningRate)
	fmt.Printf("  Batch:         %d\n", config.BatchSize)
	fmt.Printf("  Steps:         %d\n", config.Steps)
	fmt.Printf("  Teacher BN:    train=%v\n", *teacherTrainBN)
	fmt.Println()

	if err := run(config); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildConfig() (*utils.DistillConfig, error) {
	config := utils.DefaultDistillConfig()
	var err error
	if config.TeacherChannels, err = utils.ParseChannels(*teacherChannels); err != nil {
		return nil, errors.Wrap(err, "teacher channels")
	}
	if config.StudentChannels, err = utils.ParseChannels(*studentChannels); err != nil {
		return nil, errors.Wrap(err, "student channels")
	}
	config.ConnectorDepth = *depth
	config.ConnectorBN = *useBN
	config.ConnectorBias = *useBias
	config.ConnectorKernelSize = *kernel
	config.Alpha = *alpha
	config.LearningRate = *learningRate
	config.BatchSize = *batchSize
	config.Steps = *steps
	config.Seed = *seed
	return config, utils.ValidateConfig(config)
}

func run(config *utils.DistillConfig) error {
	stats := &utils.TimingStats{}
	rng := rand.New(rand.NewSource(config.Seed))

	start := time.Now()
	teacher, err := models.NewTeacher(config.TeacherChannels, *classes, config.Seed)
	if err != nil {
		return err
	}
	student, err := models.NewStudent(config.StudentChannels, *classes, config.Seed+1)
	if err != nil {
		return err
	}
	data := newSyntheticData(rng, teacher.InChannels, *imageSize, *classes, *noise)
	split := newHeldOut(data, config.Seed+3, *evalSize, config.BatchSize)
	fmt.Printf("Teacher params: %d\n", models.ParamCount(teacher))
	fmt.Printf("Student params: %d\n", models.ParamCount(student))

	if *teacherSteps > 0 {
		fmt.Printf("\nTraining teacher for %d steps...\n", *teacherSteps)
		if err := trainTeacher(teacher, data, rng, config); err != nil {
			return errors.Wrap(err, "teacher training")
		}
	}
	if split.size() > 0 {
		res, err := evaluate(teacher, split)
		if err != nil {
			return err
		}
		fmt.Printf("Teacher eval | CE: %.4f | Acc: %.2f%%\n", res.Loss, 100*res.Accuracy)
	}
	teacher.SetTraining(*teacherTrainBN)

	engine, err := distill.NewEngine(teacher, student, distill.ConnectorConfigFrom(config),
		distill.WithRand(rand.New(rand.NewSource(config.Seed+2))),
		distill.WithTiming(stats))
	if err != nil {
		return err
	}
	if *resumeFile != "" {
		weights, err := utils.LoadWeights(*resumeFile)
		if err != nil {
			return err
		}
		if err := engine.LoadConnectorWeights(weights); err != nil {
			return err
		}
		fmt.Printf("Loaded connector weights from %s\n", *resumeFile)
	}
	stats.ModelInitTime = time.Since(start)

	fmt.Println("\nStarting distillation...")
	ce := &nn.CrossEntropyLoss{}
	totalStart := time.Now()
	var sumTotal, sumKD, sumCE float64
	correct, seen := 0, 0

	for step := 1; step <= config.Steps; step++ {
		start := time.Now()
		x, labels := data.batch(rng, config.BatchSize)
		stats.DataLoadingTime += time.Since(start)

		logits, kd, err := engine.Forward(x)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		ceLoss, probs, err := ce.Forward(logits, labels)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		batch := float64(config.BatchSize)
		kd /= batch
		total := ceLoss + config.Alpha*kd

		featGrads, err := engine.Backward(config.Alpha / batch)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		start = time.Now()
		if _, err := student.Backward(ce.Backward(probs, labels), featGrads); err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		stats.BackwardPassTime += time.Since(start)

		start = time.Now()
		if err := student.Update(config.LearningRate); err != nil {
			return err
		}
		stats.UpdateTime += time.Since(start)
		if err := engine.Update(config.LearningRate); err != nil {
			return err
		}

		sumTotal += total
		sumKD += kd
		sumCE += ceLoss
		for b, p := range nn.Argmax(logits) {
			if p == labels[b] {
				correct++
			}
		}
		seen += len(labels)

		if step%*logEvery == 0 || step == config.Steps {
			n := float64(*logEvery)
			if step%*logEvery != 0 {
				n = float64(step % *logEvery)
			}
			fmt.Printf("Step %d/%d | Loss: %.6f | KD: %.4f | CE: %.4f | Acc: %.2f%%\n",
				step, config.Steps, sumTotal/n, sumKD/n, sumCE/n, 100*float64(correct)/float64(seen))
			sumTotal, sumKD, sumCE = 0, 0, 0
			if split.size() > 0 {
				res, err := evaluate(student, split)
				if err != nil {
					return errors.Wrapf(err, "step %d", step)
				}
				fmt.Printf("  Student eval | CE: %.4f | Acc: %.2f%%\n", res.Loss, 100*res.Accuracy)
			}
			correct, seen = 0, 0
		}
	}

	stats.TotalTime = time.Since(totalStart)
	fmt.Printf("\nDistillation complete! Total time: %.2fs\n", stats.TotalTime.Seconds())
	losses := engine.StageLosses()
	for i, l := range losses {
		utils.Logf("  stage %d: last loss %.4f (weight %.3f)\n", i, l/float64(config.BatchSize), distill.StageWeight(i, len(losses)))
	}
	utils.PrintTimingStats(stats, config.Steps)

	if *outputFile != "" {
		fmt.Printf("\nSaving connector weights to %s...\n", *outputFile)
		if err := utils.SaveWeights(*outputFile, engine.ConnectorWeights()); err != nil {
			return err
		}
		fmt.Println("Done!")
	}
	return nil
}

// trainTeacher fits the teacher on the task loss alone.
func trainTeacher(teacher *models.CNN, data *syntheticData, rng *rand.Rand, config *utils.DistillConfig) error {
	ce := &nn.CrossEntropyLoss{}
	for step := 1; step <= *teacherSteps; step++ {
		x, labels := data.batch(rng, config.BatchSize)
		logits, err := teacher.Forward(x)
		if err != nil {
			return err
		}
		loss, probs, err := ce.Forward(logits, labels)
		if err != nil {
			return err
		}
		if _, err := teacher.Backward(ce.Backward(probs, labels), nil); err != nil {
			return err
		}
		if err := teacher.Update(config.LearningRate); err != nil {
			return err
		}
		if step%*logEvery == 0 || step == *teacherSteps {
			fmt.Printf("Teacher step %d/%d | CE: %.4f\n", step, *teacherSteps, loss)
		}
	}
	return nil
}
