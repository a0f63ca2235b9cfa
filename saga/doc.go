// Package saga 实现基于编排的 Saga 引擎
//
// 一个 Definition 是有序的步骤列表，每个步骤有正向动作和可选的补偿动作。
// Engine 按顺序执行正向步骤，任一步骤永久失败后按严格逆序补偿已成功的步骤。
// 实例状态在每次迁移后通过 IStore 的 CompareAndSwap 持久化，进程崩溃后
// 由 Sweeper 周期性地调用 ResumeSaga 接手未结束的实例。
//
// 基本用法：
//
//	registry := saga.NewRegistry()
//	registry.MustRegister(saga.Definition{
//		Name: "enrollment",
//		Steps: []saga.StepSpec{
//			{Name: "charge", Forward: charge, Compensate: refund},
//			{Name: "enroll", Forward: enroll, Compensate: unenroll},
//			{Name: "notify", Forward: notify},
//		},
//	})
//	engine, err := saga.NewEngine(store, registry)
//	id, err := engine.StartSaga(ctx, "enrollment", request, "order-42")
//
// 参与方返回 Reject(...) 表示业务拒绝，不会重试；其他错误按步骤的
// retry.Policy 重试，重试耗尽后同样视为永久失败。
package saga
